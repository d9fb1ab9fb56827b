package resolve

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/odyssey-erp/billsync/internal/ledger"
)

// Strategy names the rule that produced a fuzzy match.
type Strategy string

const (
	StrategyExact                    Strategy = "exact"
	StrategyTrimmed                  Strategy = "trimmed"
	StrategyWhitespace               Strategy = "whitespace_normalized"
	StrategyCaseInsensitive          Strategy = "case_insensitive"
	StrategySuffixStripped           Strategy = "suffix_stripped"
	StrategySuffixStrippedIgnoreCase Strategy = "suffix_stripped_case_insensitive"
	StrategySubstring                Strategy = "substring"
)

// minSubstringLen guards the substring rule against short, over-broad targets.
const minSubstringLen = 5

var numericSuffix = regexp.MustCompile(`\s*\(\d+\)$`)

// Match is a candidate chosen by FindMatch.
type Match struct {
	Entity   ledger.Entity
	Strategy Strategy
}

type rule struct {
	strategy Strategy
	match    func(candidate, target string) bool
}

var rules = []rule{
	{StrategyExact, func(c, t string) bool { return c == t }},
	{StrategyTrimmed, func(c, t string) bool { return strings.TrimSpace(c) == strings.TrimSpace(t) }},
	{StrategyWhitespace, func(c, t string) bool { return collapseSpace(c) == collapseSpace(t) }},
	{StrategyCaseInsensitive, func(c, t string) bool { return fold(c) == fold(t) }},
	{StrategySuffixStripped, func(c, t string) bool { return stripSuffix(c) == strings.TrimSpace(t) }},
	{StrategySuffixStrippedIgnoreCase, func(c, t string) bool { return fold(stripSuffix(c)) == fold(t) }},
	{StrategySubstring, func(c, t string) bool {
		t = strings.TrimSpace(t)
		return utf8.RuneCountInString(t) >= minSubstringLen && strings.Contains(fold(c), fold(t))
	}},
}

// FindMatch picks the candidate the ledger most likely stored under target.
// Rules are tried in order over every candidate; the first hit wins.
// A non-empty parentRef excludes candidates under another parent.
func FindMatch(candidates []ledger.Entity, target, parentRef string) (Match, bool) {
	if parentRef != "" {
		filtered := make([]ledger.Entity, 0, len(candidates))
		for _, c := range candidates {
			if c.ParentID() == parentRef {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	if strings.TrimSpace(target) == "" {
		return Match{}, false
	}
	for _, r := range rules {
		for _, c := range candidates {
			if r.match(c.Label(), target) {
				return Match{Entity: c, Strategy: r.strategy}, true
			}
		}
	}
	return Match{}, false
}

func collapseSpace(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u00a0', '\u2007', '\u202f':
			return ' '
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// fold is a Caser per call; casers are not safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(collapseSpace(s))
}

func stripSuffix(s string) string {
	return strings.TrimSpace(numericSuffix.ReplaceAllString(strings.TrimSpace(s), ""))
}
