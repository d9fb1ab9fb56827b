package bills

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/billsync/internal/dates"
)

const (
	// MissingDocumentNumber stands in for a blank source document number.
	MissingDocumentNumber = "N/A"
	// memoListLimit is how many document numbers the memo spells out.
	memoListLimit = 5
)

var qtyTolerance = decimal.RequireFromString("0.01")

// Aggregation is the outcome of one consolidation pass.
type Aggregation struct {
	Bills    []*ConsolidatedBill
	Deferred []DeferredLine
}

// Aggregator groups raw invoice lines into consolidated bills.
type Aggregator struct {
	policy GroupingPolicy
	dates  *dates.Parser
	logger *slog.Logger
}

// NewAggregator validates the policy and constructs an aggregator.
func NewAggregator(policy GroupingPolicy, parser *dates.Parser, logger *slog.Logger) (*Aggregator, error) {
	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if parser == nil {
		parser = dates.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{policy: policy, dates: parser, logger: logger.With(slog.String("component", "aggregator"))}, nil
}

// Aggregate consolidates lines with the default date parser.
func Aggregate(lines []RawInvoiceLine, policy GroupingPolicy) (Aggregation, error) {
	agg, err := NewAggregator(policy, nil, nil)
	if err != nil {
		return Aggregation{}, err
	}
	return agg.Aggregate(lines), nil
}

// Policy returns the validated policy.
func (a *Aggregator) Policy() GroupingPolicy {
	return a.policy
}

type run struct {
	a      *Aggregator
	groups map[GroupKey]*ConsolidatedBill
	chains map[GroupKey][]GroupKey
	order  []GroupKey
	out    Aggregation
}

// Aggregate consolidates lines in arrival order. Bills come back in the order their key first appeared.
func (a *Aggregator) Aggregate(lines []RawInvoiceLine) Aggregation {
	r := &run{
		a:      a,
		groups: make(map[GroupKey]*ConsolidatedBill),
		chains: make(map[GroupKey][]GroupKey),
	}
	for i, line := range lines {
		r.add(i, line)
	}
	for _, key := range r.order {
		bill := r.groups[key]
		a.finalize(bill, len(r.chains[baseKey(key)]) > 1)
		r.out.Bills = append(r.out.Bills, bill)
	}
	return r.out
}

// GroupKeyFor derives the bucket for a raw line under the policy.
func (a *Aggregator) GroupKeyFor(line RawInvoiceLine) GroupKey {
	vendor := vendorKey(line.Vendor)
	switch a.policy.Strategy() {
	case StrategyVendorDocument:
		return GroupKey(vendor + "__" + documentNumber(line.DocumentNumber))
	case StrategyCalendarWeek:
		t, err := a.dates.Parse(line.TransactionDate)
		if err != nil {
			return GroupKey(vendor + "_date_invalid")
		}
		year, week := t.ISOWeek()
		return GroupKey(fmt.Sprintf("%s_%d_W%02d", vendor, year, week))
	default:
		return GroupKey(vendor)
	}
}

func (r *run) add(index int, raw RawInvoiceLine) {
	a := r.a
	base := a.GroupKeyFor(raw)
	docNo := documentNumber(raw.DocumentNumber)
	line := a.toLineItem(raw, docNo)

	chain := r.chains[base]
	if len(chain) == 0 {
		r.open(base, base, raw)
		chain = r.chains[base]
	}

	if a.policy.MergeLinesSharingAccountAndTax {
		for _, key := range chain {
			bill := r.groups[key]
			if mergeInto(bill, line) {
				bill.addSource(docNo)
				bill.members = append(bill.members, index)
				fillDueDate(bill, raw)
				return
			}
		}
	}

	tail := r.groups[chain[len(chain)-1]]
	if len(tail.lines) < a.policy.MaxLinesPerBill {
		tail.appendLine(line)
		tail.addSource(docNo)
		tail.members = append(tail.members, index)
		fillDueDate(tail, raw)
		return
	}

	if a.policy.Overflow == OverflowSpill {
		next := GroupKey(fmt.Sprintf("%s#%d", base, len(chain)+1))
		bill := r.open(base, next, raw)
		bill.appendLine(line)
		bill.addSource(docNo)
		bill.members = append(bill.members, index)
		a.logger.Info("bill full, spilled into continuation",
			slog.String("key", string(base)),
			slog.String("continuation", string(next)),
			slog.Int("max_lines", a.policy.MaxLinesPerBill))
		return
	}

	reason := fmt.Sprintf("bill already has %d lines (max %d)", len(tail.lines), a.policy.MaxLinesPerBill)
	a.logger.Warn("line deferred, bill full",
		slog.String("key", string(base)),
		slog.String("document", docNo),
		slog.Int("source_row", raw.SourceRow),
		slog.Int("max_lines", a.policy.MaxLinesPerBill))
	r.out.Deferred = append(r.out.Deferred, DeferredLine{Line: raw, Key: base, Reason: reason})
}

func (r *run) open(base, key GroupKey, raw RawInvoiceLine) *ConsolidatedBill {
	bill := &ConsolidatedBill{
		Key:               key,
		VendorRef:         strings.TrimSpace(raw.Vendor.ID),
		VendorDisplayName: strings.TrimSpace(raw.Vendor.Name),
		TransactionDate:   strings.TrimSpace(raw.TransactionDate),
		DueDate:           strings.TrimSpace(raw.DueDate),
	}
	r.groups[key] = bill
	r.chains[base] = append(r.chains[base], key)
	r.order = append(r.order, key)
	return bill
}

func fillDueDate(bill *ConsolidatedBill, raw RawInvoiceLine) {
	if bill.DueDate == "" {
		bill.DueDate = strings.TrimSpace(raw.DueDate)
	}
}

// mergeInto folds line into an existing line with the same merge key. It reports whether it merged.
func mergeInto(bill *ConsolidatedBill, line LineItem) bool {
	key := line.mergeKey()
	for i := range bill.lines {
		existing := &bill.lines[i]
		if existing.mergeKey() != key {
			continue
		}
		existing.Amount = existing.Amount.Add(line.Amount)
		if doc := line.Provenance.DocumentNumber; doc != "" {
			existing.Description += ", " + doc
		}
		if existing.IsItemBased() {
			mergeQuantities(existing, line)
		}
		return true
	}
	return false
}

func mergeQuantities(existing *LineItem, line LineItem) {
	if existing.Quantity == nil || existing.UnitPrice == nil || line.Quantity == nil || line.UnitPrice == nil ||
		!existing.UnitPrice.Equal(*line.UnitPrice) {
		existing.Quantity, existing.UnitPrice = nil, nil
		return
	}
	qty := existing.Quantity.Add(*line.Quantity)
	existing.Quantity = &qty
}

func (a *Aggregator) toLineItem(raw RawInvoiceLine, docNo string) LineItem {
	description := strings.TrimSpace(raw.Description)
	if description == "" {
		description = "Invoice " + docNo
	}
	line := LineItem{
		Amount:      raw.Amount,
		Description: description,
		Account:     trimRef(raw.Account),
		TaxCode:     trimRef(raw.TaxCode),
		TaxPercent:  raw.TaxPercent,
		Customer:    raw.Customer,
		Provenance:  Provenance{DocumentNumber: docNo, DocumentDate: strings.TrimSpace(raw.TransactionDate)},
	}
	if raw.Item != nil && !raw.Item.IsZero() {
		item := trimRef(*raw.Item)
		line.Item = &item
		line.Quantity, line.UnitPrice = a.consistentQty(raw)
	}
	return line
}

// consistentQty keeps quantity and unit price only as a pair that multiplies out to the amount.
func (a *Aggregator) consistentQty(raw RawInvoiceLine) (*decimal.Decimal, *decimal.Decimal) {
	if raw.Quantity == nil || raw.UnitPrice == nil {
		return nil, nil
	}
	if raw.Quantity.Mul(*raw.UnitPrice).Sub(raw.Amount).Abs().GreaterThan(qtyTolerance) {
		a.logger.Warn("quantity and unit price do not match amount, dropping them",
			slog.String("document", raw.DocumentNumber),
			slog.Int("source_row", raw.SourceRow),
			slog.String("amount", raw.Amount.String()))
		return nil, nil
	}
	qty, price := *raw.Quantity, *raw.UnitPrice
	return &qty, &price
}

func (a *Aggregator) finalize(bill *ConsolidatedBill, chained bool) {
	if normalized, err := a.dates.Normalize(bill.TransactionDate); err == nil {
		bill.TransactionDate = normalized
	}
	if bill.DueDate != "" {
		if normalized, err := a.dates.Normalize(bill.DueDate); err == nil {
			bill.DueDate = normalized
		}
	}
	if len(bill.sources) == 1 {
		bill.DocumentNumber = bill.sources[0]
	} else {
		bill.DocumentNumber = a.syntheticNumber(bill)
	}
	if chained {
		if _, n, ok := strings.Cut(string(bill.Key), "#"); ok {
			bill.DocumentNumber += "-" + n
		}
	}
	bill.Memo = Memo(bill)
}

// syntheticNumber derives GRP_<vendor prefix>_<YYYYMMDD> from the bill's vendor and date.
func (a *Aggregator) syntheticNumber(bill *ConsolidatedBill) string {
	prefix := vendorPrefix(bill.VendorDisplayName)
	day := "UNDATED"
	if t, err := a.dates.Parse(bill.TransactionDate); err == nil {
		day = t.Format("20060102")
	}
	return "GRP_" + prefix + "_" + day
}

// Memo renders the audit note listing the folded source documents.
func Memo(bill *ConsolidatedBill) string {
	sources := bill.SourceDocumentNumbers()
	n := len(sources)
	listed := sources
	if n > memoListLimit {
		listed = sources[:memoListLimit]
	}
	list := strings.Join(listed, ", ")
	if n > memoListLimit {
		list += fmt.Sprintf(" (+%d more)", n-memoListLimit)
	}
	return fmt.Sprintf("Consolidated from %d original documents: %s. Total: %s.", n, list, bill.TotalAmount().StringFixed(2))
}

func vendorPrefix(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			if b.Len() >= 3 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "GRP"
	}
	return b.String()
}

func vendorKey(vendor Ref) string {
	if id := strings.TrimSpace(vendor.ID); id != "" {
		return id
	}
	return "name:" + NormalizeName(vendor.Name)
}

func baseKey(key GroupKey) GroupKey {
	base, _, _ := strings.Cut(string(key), "#")
	return GroupKey(base)
}

func documentNumber(raw string) string {
	if doc := strings.TrimSpace(raw); doc != "" {
		return doc
	}
	return MissingDocumentNumber
}

func trimRef(r Ref) Ref {
	return Ref{ID: strings.TrimSpace(r.ID), Name: strings.TrimSpace(r.Name)}
}

// BillSummary describes one consolidated bill for previews.
type BillSummary struct {
	Key              GroupKey `json:"key"`
	Vendor           string   `json:"vendor"`
	DocumentNumber   string   `json:"document_number"`
	TransactionDate  string   `json:"transaction_date"`
	Lines            int      `json:"lines"`
	Total            string   `json:"total"`
	SourceDocuments  []string `json:"source_documents"`
	VendorUnresolved bool     `json:"vendor_unresolved,omitempty"`
}

// Summary lists every bill of the aggregation in order.
func (a Aggregation) Summary() []BillSummary {
	out := make([]BillSummary, 0, len(a.Bills))
	for _, bill := range a.Bills {
		vendor := bill.VendorRef
		if vendor == "" {
			vendor = bill.VendorDisplayName
		}
		out = append(out, BillSummary{
			Key:              bill.Key,
			Vendor:           vendor,
			DocumentNumber:   bill.DocumentNumber,
			TransactionDate:  bill.TransactionDate,
			Lines:            bill.LineCount(),
			Total:            bill.TotalAmount().StringFixed(2),
			SourceDocuments:  bill.SourceDocumentNumbers(),
			VendorUnresolved: bill.VendorError != nil,
		})
	}
	return out
}

// Total sums every bill of the aggregation.
func (a Aggregation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, bill := range a.Bills {
		total = total.Add(bill.TotalAmount())
	}
	return total
}
