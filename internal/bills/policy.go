package bills

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy indicates a malformed grouping policy.
var ErrInvalidPolicy = errors.New("bills: invalid grouping policy")

// OverflowMode decides what happens to lines that do not fit in a full bill.
type OverflowMode string

const (
	// OverflowReject defers the line and reports it.
	OverflowReject OverflowMode = "reject"
	// OverflowSpill opens a continuation bill for the same key.
	OverflowSpill OverflowMode = "spill"
)

// DefaultMaxLinesPerBill applies when a policy leaves the line cap unset.
const DefaultMaxLinesPerBill = 50

// Strategy is the grouping rule in effect for a run.
type Strategy string

const (
	StrategyVendor         Strategy = "vendor"
	StrategyVendorDocument Strategy = "vendor_document"
	StrategyCalendarWeek   Strategy = "calendar_week"
)

// GroupingPolicy configures how raw lines are consolidated.
type GroupingPolicy struct {
	GroupByVendor                  bool         `yaml:"group_by_vendor" json:"group_by_vendor"`
	GroupByVendorAndDocumentNumber bool         `yaml:"group_by_vendor_and_document_number" json:"group_by_vendor_and_document_number"`
	GroupByCalendarWeek            bool         `yaml:"group_by_calendar_week" json:"group_by_calendar_week"`
	DateToleranceDays              int          `yaml:"date_tolerance_days" json:"date_tolerance_days" validate:"gte=0,lte=366"`
	MaxLinesPerBill                int          `yaml:"max_lines_per_bill" json:"max_lines_per_bill" validate:"gte=1,lte=1000"`
	MergeLinesSharingAccountAndTax bool         `yaml:"merge_lines_sharing_account_and_tax" json:"merge_lines_sharing_account_and_tax"`
	Overflow                       OverflowMode `yaml:"overflow" json:"overflow" validate:"oneof=reject spill"`
}

// DefaultPolicy mirrors the production rules: one bill per vendor document, same-account lines merged.
func DefaultPolicy() GroupingPolicy {
	return GroupingPolicy{
		GroupByVendor:                  true,
		GroupByVendorAndDocumentNumber: true,
		DateToleranceDays:              7,
		MaxLinesPerBill:                DefaultMaxLinesPerBill,
		MergeLinesSharingAccountAndTax: true,
		Overflow:                       OverflowReject,
	}
}

// Strategy returns the single active grouping rule.
func (p GroupingPolicy) Strategy() Strategy {
	switch {
	case p.GroupByVendorAndDocumentNumber:
		return StrategyVendorDocument
	case p.GroupByCalendarWeek:
		return StrategyCalendarWeek
	default:
		return StrategyVendor
	}
}

// WithDefaults fills the zero-valued line cap and overflow mode.
func (p GroupingPolicy) WithDefaults() GroupingPolicy {
	if p.MaxLinesPerBill == 0 {
		p.MaxLinesPerBill = DefaultMaxLinesPerBill
	}
	if p.Overflow == "" {
		p.Overflow = OverflowReject
	}
	return p
}

var policyValidator = validator.New()

// Validate checks the numeric bounds and the overflow mode. Unset fields count as their defaults.
func (p GroupingPolicy) Validate() error {
	p = p.WithDefaults()
	if err := policyValidator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s fails %s=%s", ErrInvalidPolicy, fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}

// LoadPolicy reads a YAML policy file on top of base; keys absent from the file keep base values.
func LoadPolicy(path string, base GroupingPolicy) (GroupingPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return GroupingPolicy{}, fmt.Errorf("bills: read policy: %w", err)
	}
	policy := base
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return GroupingPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return GroupingPolicy{}, err
	}
	return policy, nil
}
