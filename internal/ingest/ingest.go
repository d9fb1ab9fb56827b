// Package ingest reads normalized invoice-line exports into raw lines.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/billsync/internal/bills"
)

// Column headers, matched case-insensitively.
const (
	ColVendor         = "Vendor"
	ColVendorID       = "Vendor Id"
	ColDocumentNumber = "Bill No."
	ColDate           = "Date"
	ColDueDate        = "Due Date"
	ColAmount         = "Line Item Amount"
	ColDescription    = "Line Item Description"
	ColAccount        = "Line Item Account"
	ColItem           = "Item"
	ColQuantity       = "Qty"
	ColUnitPrice      = "Unit Price"
	ColTaxCode        = "Tax Code"
	ColTaxPercent     = "Tax %"
	ColCustomer       = "Customer"
	ColParentCustomer = "Parent Customer Id"
)

// Format is a supported export format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var (
	// ErrUnsupportedFormat indicates a file extension other than .csv or .xlsx.
	ErrUnsupportedFormat = errors.New("ingest: unsupported file type")
	// ErrMissingColumn indicates a required header is absent.
	ErrMissingColumn = errors.New("ingest: missing column")
)

// RowError describes one rejected row. Other rows still load.
type RowError struct {
	Row    int
	Column string
	Reason string
}

func (e *RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d, %s: %s", e.Row, e.Column, e.Reason)
}

// FormatFor picks the format from a file name.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ReadFile loads raw lines from a CSV or XLSX export.
// The returned error joins every RowError; the lines that parsed are returned alongside it.
func ReadFile(path string) ([]bills.RawInvoiceLine, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Read(f, format)
}

// Read parses an export from r.
func Read(r io.Reader, format Format) ([]bills.RawInvoiceLine, error) {
	var (
		rows [][]string
		err  error
	)
	switch format {
	case FormatCSV:
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		rows, err = reader.ReadAll()
	case FormatXLSX:
		rows, err = readXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", format, err)
	}
	return parseRows(rows)
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return f.GetRows(f.GetSheetName(0))
}

type header map[string]int

func (h header) get(row []string, col string) string {
	i, ok := h[strings.ToLower(col)]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseRows(rows [][]string) ([]bills.RawInvoiceLine, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h := make(header, len(rows[0]))
	for i, name := range rows[0] {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := h[name]; !dup && name != "" {
			h[name] = i
		}
	}
	if _, ok := h[strings.ToLower(ColAmount)]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, ColAmount)
	}
	_, hasVendor := h[strings.ToLower(ColVendor)]
	_, hasVendorID := h[strings.ToLower(ColVendorID)]
	if !hasVendor && !hasVendorID {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, ColVendor)
	}

	var (
		out  []bills.RawInvoiceLine
		errs []error
	)
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		line, rowErrs := parseRow(h, row, i+2)
		if len(rowErrs) > 0 {
			errs = append(errs, rowErrs...)
			continue
		}
		out = append(out, line)
	}
	return out, errors.Join(errs...)
}

func parseRow(h header, row []string, num int) (bills.RawInvoiceLine, []error) {
	var errs []error
	fail := func(col, reason string) {
		errs = append(errs, &RowError{Row: num, Column: col, Reason: reason})
	}
	optional := func(col string) *decimal.Decimal {
		raw := h.get(row, col)
		if raw == "" {
			return nil
		}
		d, err := ParseAmount(raw)
		if err != nil {
			fail(col, err.Error())
			return nil
		}
		return &d
	}

	line := bills.RawInvoiceLine{
		Vendor:          bills.Ref{ID: h.get(row, ColVendorID), Name: h.get(row, ColVendor)},
		DocumentNumber:  h.get(row, ColDocumentNumber),
		TransactionDate: h.get(row, ColDate),
		DueDate:         h.get(row, ColDueDate),
		Description:     h.get(row, ColDescription),
		Account:         bills.Ref{Name: h.get(row, ColAccount)},
		TaxCode:         bills.Ref{Name: h.get(row, ColTaxCode)},
		SourceRow:       num,
	}
	if line.Vendor.IsZero() {
		fail(ColVendor, "vendor is required")
	}
	if raw := h.get(row, ColAmount); raw == "" {
		fail(ColAmount, "amount is required")
	} else if amount, err := ParseAmount(raw); err != nil {
		fail(ColAmount, err.Error())
	} else {
		line.Amount = amount
	}
	if item := h.get(row, ColItem); item != "" {
		line.Item = &bills.Ref{Name: item}
	}
	line.Quantity = optional(ColQuantity)
	line.UnitPrice = optional(ColUnitPrice)
	line.TaxPercent = optional(ColTaxPercent)
	if customer := h.get(row, ColCustomer); customer != "" {
		line.Customer = &bills.CustomerRef{Name: customer, ParentID: h.get(row, ColParentCustomer)}
	}
	return line, errs
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// ParseAmount reads 1234.56, 1,234.56, 1.234,56 and 12,5. The right-most separator is the decimal point
// when both appear; a lone comma is a decimal comma; repeated dots are thousands separators.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u20ac', '$', '\u00a3', '%', '\'':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q", raw)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}
