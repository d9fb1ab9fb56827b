package billsync

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/ledger"
	"github.com/odyssey-erp/billsync/internal/payload"
	"github.com/odyssey-erp/billsync/internal/resolve"
)

// Outcome is the terminal state of one bill.
type Outcome string

const (
	OutcomeCreated              Outcome = "created"
	OutcomeUpdated              Outcome = "updated"
	OutcomeSkippedExisting      Outcome = "skipped_existing"
	OutcomeSkippedAlreadyExists Outcome = "skipped_already_exists"
	OutcomeError                Outcome = "error"
)

// ErrorKind classifies failures and warnings.
type ErrorKind string

const (
	KindValidation             ErrorKind = "validation"
	KindEntityResolutionFailed ErrorKind = "entity_resolution_failed"
	KindDuplicateUnresolved    ErrorKind = "duplicate_unresolved"
	KindNetwork                ErrorKind = "network"
	KindLedgerRejected         ErrorKind = "ledger_rejected"
	KindUpdateFailed           ErrorKind = "update_failed"
	KindNoCredential           ErrorKind = "no_credential"
	KindCanceled               ErrorKind = "canceled"
)

// Warning is a non-fatal degradation applied to a bill.
type Warning struct {
	Kind   ErrorKind `json:"kind"`
	Line   int       `json:"line,omitempty"`
	Detail string    `json:"detail"`
}

// SyncResult is the outcome of syncing one consolidated bill.
type SyncResult struct {
	Key            bills.GroupKey `json:"key"`
	DocumentNumber string         `json:"document_number"`
	VendorRef      string         `json:"vendor_ref,omitempty"`
	Outcome        Outcome        `json:"outcome"`
	ExternalID     string         `json:"external_id,omitempty"`
	ErrorKind      ErrorKind      `json:"error_kind,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	Warnings       []Warning      `json:"warnings,omitempty"`
}

// Report summarises a batch run.
type Report struct {
	RunID      string               `json:"run_id"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Created    int                  `json:"created"`
	Updated    int                  `json:"updated"`
	Skipped    int                  `json:"skipped"`
	Errors     int                  `json:"errors"`
	Results    []SyncResult         `json:"results"`
	Deferred   []bills.DeferredLine `json:"deferred,omitempty"`
}

func (r *Report) tally() {
	r.Created, r.Updated, r.Skipped, r.Errors = 0, 0, 0, 0
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeCreated:
			r.Created++
		case OutcomeUpdated:
			r.Updated++
		case OutcomeSkippedExisting, OutcomeSkippedAlreadyExists:
			r.Skipped++
		default:
			r.Errors++
		}
	}
}

func newResult(bill *bills.ConsolidatedBill) SyncResult {
	return SyncResult{Key: bill.Key, DocumentNumber: bill.DocumentNumber, VendorRef: bill.VendorRef}
}

func (r SyncResult) fail(kind ErrorKind, detail string) SyncResult {
	r.Outcome = OutcomeError
	r.ErrorKind = kind
	r.Detail = detail
	return r
}

func (r SyncResult) done(outcome Outcome, id, detail string) SyncResult {
	r.Outcome = outcome
	r.ExternalID = id
	r.Detail = detail
	return r
}

// errorKind maps an error from any layer to the result taxonomy.
func errorKind(err error, fallback ErrorKind) ErrorKind {
	switch {
	case err == nil:
		return fallback
	case errors.Is(err, ledger.ErrNoCredential):
		return KindNoCredential
	case errors.Is(err, ledger.ErrNetwork):
		return KindNetwork
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, resolve.ErrDuplicateUnresolved):
		return KindDuplicateUnresolved
	case errors.Is(err, resolve.ErrUnresolved):
		return KindEntityResolutionFailed
	case errors.Is(err, payload.ErrInvalidPayload):
		return KindValidation
	}
	if _, ok := ledger.AsError(err); ok {
		return KindLedgerRejected
	}
	return fallback
}
