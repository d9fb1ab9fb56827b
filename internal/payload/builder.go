// Package payload turns consolidated bills into ledger wire payloads.
package payload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/dates"
	"github.com/odyssey-erp/billsync/internal/ledger"
)

// ErrInvalidPayload indicates a bill that cannot be expressed as a ledger payload.
var ErrInvalidPayload = errors.New("payload: invalid bill")

// Builder maps resolved bills onto ledger payloads.
type Builder struct {
	dates *dates.Parser
}

// NewBuilder constructs a builder; a nil parser uses the default layout order.
func NewBuilder(parser *dates.Parser) *Builder {
	if parser == nil {
		parser = dates.Default()
	}
	return &Builder{dates: parser}
}

// Build produces the create payload. Every line must carry a resolved account or item id.
func (b *Builder) Build(bill *bills.ConsolidatedBill) (ledger.BillPayload, error) {
	if bill == nil {
		return ledger.BillPayload{}, fmt.Errorf("%w: nil bill", ErrInvalidPayload)
	}
	txnDate, err := b.dates.Normalize(bill.TransactionDate)
	if err != nil {
		return ledger.BillPayload{}, fmt.Errorf("%w: transaction date: %v", ErrInvalidPayload, err)
	}
	var dueDate string
	if strings.TrimSpace(bill.DueDate) != "" {
		if dueDate, err = b.dates.Normalize(bill.DueDate); err != nil {
			return ledger.BillPayload{}, fmt.Errorf("%w: due date: %v", ErrInvalidPayload, err)
		}
	}

	items := bill.Lines()
	lines := make([]ledger.BillLine, 0, len(items))
	itemBased := false
	var docTax string
	for i, item := range items {
		num := i + 1
		line, err := buildLine(num, item)
		if err != nil {
			return ledger.BillPayload{}, err
		}
		if line.ItemBasedExpenseLineDetail != nil {
			itemBased = true
		}
		if docTax == "" {
			docTax = strings.TrimSpace(item.TaxCode.ID)
		}
		lines = append(lines, line)
	}

	payload := ledger.BillPayload{
		VendorRef:   ledger.RefValue{Value: strings.TrimSpace(bill.VendorRef)},
		Line:        lines,
		TxnDate:     txnDate,
		DueDate:     dueDate,
		DocNumber:   strings.TrimSpace(bill.DocumentNumber),
		PrivateNote: strings.TrimSpace(bill.Memo),
	}
	if !itemBased && docTax != "" {
		payload.TxnTaxDetail = &ledger.TxnTaxDetail{TxnTaxCodeRef: ledger.RefValue{Value: docTax}}
	}
	if err := Validate(payload); err != nil {
		return ledger.BillPayload{}, err
	}
	return payload, nil
}

// BuildUpdate produces a sparse update of existing.
func (b *Builder) BuildUpdate(bill *bills.ConsolidatedBill, existing ledger.Entity) (ledger.BillPayload, error) {
	if existing.ID == "" {
		return ledger.BillPayload{}, fmt.Errorf("%w: existing bill has no id", ErrInvalidPayload)
	}
	payload, err := b.Build(bill)
	if err != nil {
		return ledger.BillPayload{}, err
	}
	payload.ID = existing.ID
	payload.SyncToken = existing.SyncToken
	payload.Sparse = true
	return payload, nil
}

func buildLine(num int, item bills.LineItem) (ledger.BillLine, error) {
	line := ledger.BillLine{
		ID:          strconv.Itoa(num),
		LineNum:     num,
		Amount:      ledger.Amount(item.Amount),
		Description: item.Description,
	}
	tax := optionalRef(item.TaxCode.ID)
	var customer *ledger.RefValue
	if item.Customer != nil {
		customer = optionalRef(item.Customer.ID)
	}

	if item.Item != nil && strings.TrimSpace(item.Item.ID) != "" {
		detail := &ledger.ItemBasedLineDetail{
			ItemRef:     ledger.RefValue{Value: strings.TrimSpace(item.Item.ID)},
			TaxCodeRef:  tax,
			CustomerRef: customer,
		}
		if item.Quantity != nil && item.UnitPrice != nil {
			qty, price := ledger.Number(*item.Quantity), ledger.Number(*item.UnitPrice)
			detail.Qty, detail.UnitPrice = &qty, &price
		}
		line.DetailType = ledger.DetailItemBased
		line.ItemBasedExpenseLineDetail = detail
		return line, nil
	}

	account := strings.TrimSpace(item.Account.ID)
	if account == "" {
		return ledger.BillLine{}, fmt.Errorf("%w: line %d has no resolved account", ErrInvalidPayload, num)
	}
	line.DetailType = ledger.DetailAccountBased
	line.AccountBasedExpenseLineDetail = &ledger.AccountBasedLineDetail{
		AccountRef:  ledger.RefValue{Value: account},
		TaxCodeRef:  tax,
		CustomerRef: customer,
	}
	return line, nil
}

func optionalRef(id string) *ledger.RefValue {
	if id = strings.TrimSpace(id); id == "" {
		return nil
	}
	return &ledger.RefValue{Value: id}
}

// Validate checks the fields the ledger rejects outright.
func Validate(p ledger.BillPayload) error {
	switch {
	case strings.TrimSpace(p.VendorRef.Value) == "":
		return fmt.Errorf("%w: missing vendor reference", ErrInvalidPayload)
	case len(p.Line) == 0:
		return fmt.Errorf("%w: no lines", ErrInvalidPayload)
	case !dates.IsISO(p.TxnDate):
		return fmt.Errorf("%w: transaction date %q is not YYYY-MM-DD", ErrInvalidPayload, p.TxnDate)
	}
	for i, line := range p.Line {
		hasAccount := line.AccountBasedExpenseLineDetail != nil
		hasItem := line.ItemBasedExpenseLineDetail != nil
		if hasAccount == hasItem {
			return fmt.Errorf("%w: line %d must carry exactly one detail", ErrInvalidPayload, i+1)
		}
	}
	return nil
}
