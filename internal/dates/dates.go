// Package dates normalises the loosely formatted dates found in invoice exports.
package dates

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ISOLayout is the only date format accepted by the ledger.
const ISOLayout = "2006-01-02"

// Supported layout names, as used in configuration.
const (
	LayoutISO = "YYYY-MM-DD"
	LayoutUS  = "MM/DD/YYYY"
	LayoutEU  = "DD/MM/YYYY"
)

var layoutsByName = map[string]string{
	LayoutISO: ISOLayout,
	LayoutUS:  "1/2/2006",
	LayoutEU:  "2/1/2006",
}

// AmbiguityMode controls what happens when a value reads differently as US and EU dates.
type AmbiguityMode string

const (
	// AmbiguityReject refuses values such as 03/04/2025.
	AmbiguityReject AmbiguityMode = "reject"
	// AmbiguityPreferFirst accepts the first configured layout that parses.
	AmbiguityPreferFirst AmbiguityMode = "prefer-first"
)

var (
	// ErrEmpty indicates a blank date value.
	ErrEmpty = errors.New("dates: empty value")
	// ErrUnrecognised indicates no configured layout matched.
	ErrUnrecognised = errors.New("dates: unrecognised format")
	// ErrAmbiguous indicates the value parses to different days under MM/DD and DD/MM.
	ErrAmbiguous = errors.New("dates: ambiguous day/month order")
)

// Parser converts raw date strings using an ordered list of layouts.
type Parser struct {
	names     []string
	layouts   []string
	ambiguity AmbiguityMode
}

// DefaultOrder is the layout priority used when nothing is configured.
var DefaultOrder = []string{LayoutISO, LayoutUS, LayoutEU}

// NewParser builds a parser from layout names (see Layout* constants).
func NewParser(order []string, mode AmbiguityMode) (*Parser, error) {
	if len(order) == 0 {
		order = DefaultOrder
	}
	p := &Parser{ambiguity: mode}
	if p.ambiguity == "" {
		p.ambiguity = AmbiguityReject
	}
	if p.ambiguity != AmbiguityReject && p.ambiguity != AmbiguityPreferFirst {
		return nil, fmt.Errorf("dates: unknown ambiguity mode %q", mode)
	}
	seen := make(map[string]bool, len(order))
	for _, raw := range order {
		name := strings.ToUpper(strings.TrimSpace(raw))
		layout, ok := layoutsByName[name]
		if !ok {
			return nil, fmt.Errorf("dates: unknown layout %q", raw)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		p.names = append(p.names, name)
		p.layouts = append(p.layouts, layout)
	}
	return p, nil
}

// MustParser is NewParser for static configuration.
func MustParser(order []string, mode AmbiguityMode) *Parser {
	p, err := NewParser(order, mode)
	if err != nil {
		panic(err)
	}
	return p
}

// Default returns a parser with DefaultOrder and ambiguity rejection.
func Default() *Parser {
	return MustParser(nil, AmbiguityReject)
}

// Order reports the configured layout names.
func (p *Parser) Order() []string {
	return append([]string(nil), p.names...)
}

// Parse reads value with the configured layouts.
func (p *Parser) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrEmpty
	}
	var (
		first   time.Time
		matched bool
	)
	for _, layout := range p.layouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		if !matched {
			first, matched = t, true
			if p.ambiguity == AmbiguityPreferFirst {
				break
			}
			continue
		}
		if !t.Equal(first) {
			return time.Time{}, fmt.Errorf("%w: %q", ErrAmbiguous, value)
		}
	}
	if !matched {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnrecognised, value)
	}
	return first, nil
}

// Normalize returns value as YYYY-MM-DD.
func (p *Parser) Normalize(value string) (string, error) {
	t, err := p.Parse(value)
	if err != nil {
		return "", err
	}
	return t.Format(ISOLayout), nil
}

// IsISO reports whether value is already a valid YYYY-MM-DD date.
func IsISO(value string) bool {
	_, err := time.Parse(ISOLayout, value)
	return err == nil
}
