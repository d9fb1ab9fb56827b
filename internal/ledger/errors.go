package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoCredential indicates the token provider has no usable bearer token.
	ErrNoCredential = errors.New("ledger: no credential")
	// ErrNetwork indicates the ledger could not be reached after the retry.
	ErrNetwork = errors.New("ledger: network failure")
)

// Kind classifies a ledger failure.
type Kind string

const (
	KindDuplicateName Kind = "duplicate_name"
	KindNameInUse     Kind = "name_in_use"
	KindRejected      Kind = "rejected"
	KindNetwork       Kind = "network"
	KindAuth          Kind = "auth"
)

// Substring fallbacks used only when no configured code matches.
const (
	DuplicateNameText = "Duplicate Name Exists"
	NameInUseText     = "already using this name"
)

// Default fault codes.
var (
	DefaultDuplicateNameCodes = []string{"6240"}
	DefaultNameInUseCodes     = []string{"6000"}
)

// Fault is one entry of the ledger's fault envelope.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"Message"`
	Detail  string `json:"Detail"`
}

type faultEnvelope struct {
	Fault *struct {
		Error []Fault `json:"Error"`
		Type  string  `json:"type"`
	} `json:"Fault"`
}

// Error is returned for every failed ledger call.
type Error struct {
	Op     string
	Entity EntityType
	Status int
	Kind   Kind
	Faults []Fault
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ledger: %s %s", e.Op, e.Entity)
	if e.Status > 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	b.WriteString(" (")
	b.WriteString(string(e.Kind))
	b.WriteString(")")
	if msg := e.Message(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message joins the fault messages and details.
func (e *Error) Message() string {
	parts := make([]string, 0, len(e.Faults))
	for _, f := range e.Faults {
		msg := f.Message
		if f.Detail != "" && f.Detail != f.Message {
			msg = strings.TrimSpace(msg + " " + f.Detail)
		}
		if f.Code != "" {
			msg = "[" + f.Code + "] " + msg
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// IsConflict reports whether the failure is a duplicate-name conflict of either family.
func (e *Error) IsConflict() bool {
	return e.Kind == KindDuplicateName || e.Kind == KindNameInUse
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr, true
	}
	return nil, false
}

// IsKind reports whether err is a ledger error of the given kind.
func IsKind(err error, kind Kind) bool {
	lerr, ok := AsError(err)
	return ok && lerr.Kind == kind
}

// Classifier maps fault codes to kinds.
type Classifier struct {
	duplicate map[string]struct{}
	inUse     map[string]struct{}
}

// NewClassifier builds a classifier; empty lists take the defaults.
func NewClassifier(duplicateCodes, nameInUseCodes []string) Classifier {
	if len(duplicateCodes) == 0 {
		duplicateCodes = DefaultDuplicateNameCodes
	}
	if len(nameInUseCodes) == 0 {
		nameInUseCodes = DefaultNameInUseCodes
	}
	return Classifier{duplicate: codeSet(duplicateCodes), inUse: codeSet(nameInUseCodes)}
}

func codeSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

// Classify decides the kind of a failed response.
func (c Classifier) Classify(status int, faults []Fault) Kind {
	for _, f := range faults {
		code := strings.TrimSpace(f.Code)
		if _, ok := c.duplicate[code]; ok {
			return KindDuplicateName
		}
		if _, ok := c.inUse[code]; ok {
			return KindNameInUse
		}
	}
	for _, f := range faults {
		text := f.Message + " " + f.Detail
		switch {
		case strings.Contains(text, DuplicateNameText):
			return KindDuplicateName
		case strings.Contains(text, NameInUseText):
			return KindNameInUse
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindNetwork
	default:
		return KindRejected
	}
}
