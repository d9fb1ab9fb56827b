package bills

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Ref points at a ledger entity either by resolved id or by a name to look up.
type Ref struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// IsZero reports whether neither id nor name is set.
func (r Ref) IsZero() bool {
	return strings.TrimSpace(r.ID) == "" && strings.TrimSpace(r.Name) == ""
}

// Resolved reports whether the ledger id is known.
func (r Ref) Resolved() bool {
	return strings.TrimSpace(r.ID) != ""
}

func (r Ref) key() string {
	if id := strings.TrimSpace(r.ID); id != "" {
		return "id:" + id
	}
	if name := NormalizeName(r.Name); name != "" {
		return "name:" + name
	}
	return ""
}

// CustomerRef marks an expense line as billable to a customer, or to a job when ParentID is set.
type CustomerRef struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// IsSubEntity reports whether the reference names a job under a parent customer.
func (c *CustomerRef) IsSubEntity() bool {
	return c != nil && strings.TrimSpace(c.ParentID) != ""
}

// RawInvoiceLine is one line of an invoice export, before consolidation.
type RawInvoiceLine struct {
	Vendor          Ref
	DocumentNumber  string
	TransactionDate string
	DueDate         string
	Amount          decimal.Decimal
	Description     string
	Account         Ref
	Item            *Ref
	Quantity        *decimal.Decimal
	UnitPrice       *decimal.Decimal
	TaxCode         Ref
	TaxPercent      *decimal.Decimal
	Customer        *CustomerRef
	SourceRow       int
}

// Provenance records where a consolidated line came from. It never reaches the ledger.
type Provenance struct {
	DocumentNumber string `json:"document_number"`
	DocumentDate   string `json:"document_date"`
}

// LineItem is one line of a consolidated bill.
type LineItem struct {
	Amount      decimal.Decimal  `json:"amount"`
	Description string           `json:"description"`
	Account     Ref              `json:"account"`
	Item        *Ref             `json:"item,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	TaxCode     Ref              `json:"tax_code"`
	TaxPercent  *decimal.Decimal `json:"tax_percent,omitempty"`
	Customer    *CustomerRef     `json:"customer,omitempty"`
	Provenance  Provenance       `json:"provenance"`
}

// IsItemBased reports whether the line references a catalog item.
func (l LineItem) IsItemBased() bool {
	return l.Item != nil && !l.Item.IsZero()
}

func (l LineItem) taxKey() string {
	if k := l.TaxCode.key(); k != "" {
		return k
	}
	if l.TaxPercent != nil {
		return "pct:" + l.TaxPercent.String()
	}
	return "no_tax"
}

func (l LineItem) mergeKey() string {
	if l.IsItemBased() {
		return "item:" + l.Item.key() + "|" + l.taxKey()
	}
	return "acct:" + l.Account.key() + "|" + l.taxKey()
}

// GroupKey identifies the bucket a raw line is consolidated into.
type GroupKey string

// ConsolidatedBill is a multi-line vendor bill built from one or more source documents.
// Lines and the total are only changed by the aggregator.
type ConsolidatedBill struct {
	Key               GroupKey
	VendorRef         string
	VendorDisplayName string
	// VendorError carries a vendor resolution failure; such a bill is never sent.
	VendorError     error
	DocumentNumber  string
	TransactionDate string
	DueDate         string
	Memo            string

	lines   []LineItem
	sources []string
	members []int
}

// Lines returns a copy of the bill lines in insertion order.
func (b *ConsolidatedBill) Lines() []LineItem {
	if b == nil {
		return nil
	}
	out := make([]LineItem, len(b.lines))
	copy(out, b.lines)
	return out
}

// LineCount returns the number of lines.
func (b *ConsolidatedBill) LineCount() int {
	if b == nil {
		return 0
	}
	return len(b.lines)
}

// TotalAmount is the sum of the line amounts.
func (b *ConsolidatedBill) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	if b == nil {
		return total
	}
	for _, line := range b.lines {
		total = total.Add(line.Amount)
	}
	return total
}

// SourceDocumentNumbers lists every original document folded into the bill, first seen first.
func (b *ConsolidatedBill) SourceDocumentNumbers() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.sources...)
}

// SourceIndexes lists the positions, in the aggregated input, of the raw lines folded into the bill.
func (b *ConsolidatedBill) SourceIndexes() []int {
	if b == nil {
		return nil
	}
	return append([]int(nil), b.members...)
}

// WithLines returns a copy of the bill carrying replacement lines, e.g. after entity resolution.
func (b *ConsolidatedBill) WithLines(lines []LineItem) *ConsolidatedBill {
	clone := *b
	clone.lines = append([]LineItem(nil), lines...)
	clone.sources = append([]string(nil), b.sources...)
	clone.members = append([]int(nil), b.members...)
	return &clone
}

// WithVendor returns a copy of the bill pointing at another vendor id.
func (b *ConsolidatedBill) WithVendor(vendorRef string) *ConsolidatedBill {
	clone := b.WithLines(b.lines)
	clone.VendorRef = vendorRef
	clone.VendorError = nil
	return clone
}

func (b *ConsolidatedBill) appendLine(line LineItem) {
	b.lines = append(b.lines, line)
}

func (b *ConsolidatedBill) addSource(docNumber string) {
	for _, existing := range b.sources {
		if existing == docNumber {
			return
		}
	}
	b.sources = append(b.sources, docNumber)
}

// DeferredLine is a raw line that could not be placed because its bill was full.
type DeferredLine struct {
	Line   RawInvoiceLine `json:"-"`
	Key    GroupKey       `json:"key"`
	Reason string         `json:"reason"`
}

// NormalizeName lower-cases and trims a lookup name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
