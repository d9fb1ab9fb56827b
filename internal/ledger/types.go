package ledger

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// EntityType names a ledger resource as it appears in queries and paths.
type EntityType string

const (
	EntityVendor   EntityType = "Vendor"
	EntityItem     EntityType = "Item"
	EntityAccount  EntityType = "Account"
	EntityTaxCode  EntityType = "TaxCode"
	EntityCustomer EntityType = "Customer"
	EntityBill     EntityType = "Bill"
)

// NameField is the attribute holding the unique human-readable name.
func (t EntityType) NameField() string {
	switch t {
	case EntityVendor, EntityCustomer:
		return "DisplayName"
	default:
		return "Name"
	}
}

func (t EntityType) path() string {
	return strings.ToLower(string(t))
}

// RefValue is the ledger's reference shape, e.g. {"value":"42","name":"Acme"}.
type RefValue struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

// Entity covers the fields billsync reads from any queried resource.
type Entity struct {
	ID                 string    `json:"Id"`
	SyncToken          string    `json:"SyncToken,omitempty"`
	Name               string    `json:"Name,omitempty"`
	DisplayName        string    `json:"DisplayName,omitempty"`
	FullyQualifiedName string    `json:"FullyQualifiedName,omitempty"`
	Description        string    `json:"Description,omitempty"`
	AccountType        string    `json:"AccountType,omitempty"`
	Type               string    `json:"Type,omitempty"`
	Active             *bool     `json:"Active,omitempty"`
	Taxable            *bool     `json:"Taxable,omitempty"`
	ParentRef          *RefValue `json:"ParentRef,omitempty"`
	DocNumber          string    `json:"DocNumber,omitempty"`
	VendorRef          *RefValue `json:"VendorRef,omitempty"`
}

// Label returns the display name, falling back to the name.
func (e Entity) Label() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Name
}

// ParentID returns the parent reference, if any.
func (e Entity) ParentID() string {
	if e.ParentRef == nil {
		return ""
	}
	return e.ParentRef.Value
}

// IsActive treats a missing flag as active.
func (e Entity) IsActive() bool {
	return e.Active == nil || *e.Active
}

// Line detail types.
const (
	DetailAccountBased = "AccountBasedExpenseLineDetail"
	DetailItemBased    = "ItemBasedExpenseLineDetail"
)

// BillPayload is the create/update body for a bill.
type BillPayload struct {
	ID           string        `json:"Id,omitempty"`
	SyncToken    string        `json:"SyncToken,omitempty"`
	Sparse       bool          `json:"sparse,omitempty"`
	VendorRef    RefValue      `json:"VendorRef"`
	Line         []BillLine    `json:"Line"`
	TxnTaxDetail *TxnTaxDetail `json:"TxnTaxDetail,omitempty"`
	TxnDate      string        `json:"TxnDate"`
	DueDate      string        `json:"DueDate,omitempty"`
	DocNumber    string        `json:"DocNumber,omitempty"`
	PrivateNote  string        `json:"PrivateNote,omitempty"`
}

// BillLine is one expense line. Exactly one detail is set.
type BillLine struct {
	ID                            string                  `json:"Id"`
	LineNum                       int                     `json:"LineNum"`
	Amount                        json.Number             `json:"Amount"`
	Description                   string                  `json:"Description,omitempty"`
	DetailType                    string                  `json:"DetailType"`
	AccountBasedExpenseLineDetail *AccountBasedLineDetail `json:"AccountBasedExpenseLineDetail,omitempty"`
	ItemBasedExpenseLineDetail    *ItemBasedLineDetail    `json:"ItemBasedExpenseLineDetail,omitempty"`
}

// AccountBasedLineDetail books the amount to an expense account.
type AccountBasedLineDetail struct {
	AccountRef  RefValue  `json:"AccountRef"`
	TaxCodeRef  *RefValue `json:"TaxCodeRef,omitempty"`
	CustomerRef *RefValue `json:"CustomerRef,omitempty"`
}

// ItemBasedLineDetail books the amount against a catalog item.
type ItemBasedLineDetail struct {
	ItemRef     RefValue     `json:"ItemRef"`
	Qty         *json.Number `json:"Qty,omitempty"`
	UnitPrice   *json.Number `json:"UnitPrice,omitempty"`
	TaxCodeRef  *RefValue    `json:"TaxCodeRef,omitempty"`
	CustomerRef *RefValue    `json:"CustomerRef,omitempty"`
}

// TxnTaxDetail carries the document-level tax code.
type TxnTaxDetail struct {
	TxnTaxCodeRef RefValue `json:"TxnTaxCodeRef"`
}

// VendorPayload creates a vendor.
type VendorPayload struct {
	DisplayName string `json:"DisplayName"`
}

// ItemPayload creates a catalog item.
type ItemPayload struct {
	Name              string    `json:"Name"`
	Type              string    `json:"Type"`
	ExpenseAccountRef *RefValue `json:"ExpenseAccountRef,omitempty"`
	IncomeAccountRef  *RefValue `json:"IncomeAccountRef,omitempty"`
}

// Amount renders a decimal as a two-place JSON number.
func Amount(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// Number renders a decimal as a JSON number without rounding.
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
