// Package cli implements the billsync operator commands. Each command returns a process exit code.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/billsync/internal/billsync"
	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/dates"
	"github.com/odyssey-erp/billsync/internal/ledger"
	"github.com/odyssey-erp/billsync/internal/payload"
)

// Exit codes shared by all commands.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitNoAuth  = 3
	ExitPartial = 10
)

// Syncer runs one batch against the ledger.
type Syncer interface {
	SyncBills(ctx context.Context, raw []bills.RawInvoiceLine, policy bills.GroupingPolicy, updateExisting bool) (billsync.Report, error)
}

// SyncCLI wires the export reader, the policy source and the engine.
type SyncCLI struct {
	syncer Syncer
	read   func(path string) ([]bills.RawInvoiceLine, error)
	policy func(path string) (bills.GroupingPolicy, error)
	dates  *dates.Parser
}

// NewSyncCLI constructs the sync and preview commands. syncer may be nil when only preview is used.
func NewSyncCLI(syncer Syncer, read func(string) ([]bills.RawInvoiceLine, error), policy func(string) (bills.GroupingPolicy, error), parser *dates.Parser) (*SyncCLI, error) {
	if read == nil || policy == nil {
		return nil, errors.New("sync cli: reader and policy loader are required")
	}
	if parser == nil {
		parser = dates.Default()
	}
	return &SyncCLI{syncer: syncer, read: read, policy: policy, dates: parser}, nil
}

// SyncOptions defines the flags of the sync command.
type SyncOptions struct {
	Input          string
	PolicyFile     string
	UpdateExisting bool
	JSONOutput     bool
	Stdout         io.Writer
	Stderr         io.Writer
}

// SyncCommand reads the export, syncs it and prints the report.
// It exits with ExitPartial when any bill failed or any line was deferred.
func (c *SyncCLI) SyncCommand(ctx context.Context, opts SyncOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c.syncer == nil {
		_, _ = fmt.Fprintln(stderr, "sync: ledger not configured")
		return ExitFailure
	}
	lines, policy, ok := c.load("sync", opts.Input, opts.PolicyFile, stderr)
	if !ok {
		return ExitFailure
	}
	report, err := c.syncer.SyncBills(ctx, lines, policy, opts.UpdateExisting)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sync: %v\n", err)
		if errors.Is(err, ledger.ErrNoCredential) {
			if opts.JSONOutput {
				_ = json.NewEncoder(stdout).Encode(report)
			}
			return ExitNoAuth
		}
		return ExitFailure
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "sync: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderReport(stdout, report)
	}
	if report.Errors > 0 || len(report.Deferred) > 0 {
		return ExitPartial
	}
	return ExitOK
}

// PreviewOptions defines the flags of the preview command.
type PreviewOptions struct {
	Input      string
	PolicyFile string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// BillPreview is one consolidated bill as it would be sent.
type BillPreview struct {
	bills.BillSummary
	Memo string `json:"memo"`
	// Payload is set when every reference on the bill is already an id.
	Payload *ledger.BillPayload `json:"payload,omitempty"`
	// Unresolved explains why no payload could be built offline.
	Unresolved string `json:"unresolved,omitempty"`
}

// PreviewSummary is the JSON output of preview.
type PreviewSummary struct {
	Strategy bills.Strategy       `json:"strategy"`
	Lines    int                  `json:"lines"`
	Total    string               `json:"total"`
	Bills    []BillPreview        `json:"bills"`
	Deferred []bills.DeferredLine `json:"deferred,omitempty"`
}

// PreviewCommand aggregates the export and prints the bills without contacting the ledger.
func (c *SyncCLI) PreviewCommand(_ context.Context, opts PreviewOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	lines, policy, ok := c.load("preview", opts.Input, opts.PolicyFile, stderr)
	if !ok {
		return ExitFailure
	}
	aggregator, err := bills.NewAggregator(policy, c.dates, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "preview: %v\n", err)
		return ExitFailure
	}
	agg := aggregator.Aggregate(lines)
	summary := buildPreview(agg, payload.NewBuilder(c.dates), policy, len(lines))
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(stderr, "preview: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderPreview(stdout, summary)
	}
	if len(agg.Deferred) > 0 {
		return ExitPartial
	}
	return ExitOK
}

func (c *SyncCLI) load(cmd, input, policyFile string, stderr io.Writer) ([]bills.RawInvoiceLine, bills.GroupingPolicy, bool) {
	if strings.TrimSpace(input) == "" {
		_, _ = fmt.Fprintf(stderr, "%s: --input is required\n", cmd)
		return nil, bills.GroupingPolicy{}, false
	}
	policy, err := c.policy(policyFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return nil, bills.GroupingPolicy{}, false
	}
	lines, err := c.read(input)
	if err != nil {
		if len(lines) == 0 {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
			return nil, bills.GroupingPolicy{}, false
		}
		_, _ = fmt.Fprintf(stderr, "%s: some rows were rejected:\n%v\n", cmd, err)
	}
	return lines, policy, true
}

func buildPreview(agg bills.Aggregation, builder *payload.Builder, policy bills.GroupingPolicy, lineCount int) PreviewSummary {
	summaries := agg.Summary()
	out := PreviewSummary{
		Strategy: policy.Strategy(),
		Lines:    lineCount,
		Total:    agg.Total().StringFixed(2),
		Bills:    make([]BillPreview, 0, len(agg.Bills)),
		Deferred: agg.Deferred,
	}
	for i, bill := range agg.Bills {
		preview := BillPreview{BillSummary: summaries[i], Memo: bill.Memo}
		if p, err := builder.Build(bill); err != nil {
			preview.Unresolved = err.Error()
		} else {
			preview.Payload = &p
		}
		out.Bills = append(out.Bills, preview)
	}
	return out
}

func renderReport(out io.Writer, report billsync.Report) {
	_, _ = fmt.Fprintf(out, "Run %s: %d created, %d updated, %d skipped, %d errors\n",
		report.RunID, report.Created, report.Updated, report.Skipped, report.Errors)
	for _, result := range report.Results {
		line := fmt.Sprintf("  %-24s %-22s", result.DocumentNumber, result.Outcome)
		if result.ExternalID != "" {
			line += " id=" + result.ExternalID
		}
		if result.ErrorKind != "" {
			line += fmt.Sprintf(" [%s] %s", result.ErrorKind, result.Detail)
		}
		_, _ = fmt.Fprintln(out, strings.TrimRight(line, " "))
		for _, w := range result.Warnings {
			_, _ = fmt.Fprintf(out, "    warning: %s line %d: %s\n", w.Kind, w.Line, w.Detail)
		}
	}
	if len(report.Deferred) > 0 {
		_, _ = fmt.Fprintf(out, "%d line(s) deferred:\n", len(report.Deferred))
		for _, d := range report.Deferred {
			_, _ = fmt.Fprintf(out, "  %s row %d: %s\n", d.Key, d.Line.SourceRow, d.Reason)
		}
	}
}

func renderPreview(out io.Writer, summary PreviewSummary) {
	_, _ = fmt.Fprintf(out, "%d line(s) -> %d bill(s) by %s, total %s\n", summary.Lines, len(summary.Bills), summary.Strategy, summary.Total)
	for _, bill := range summary.Bills {
		_, _ = fmt.Fprintf(out, "  %s  %s  %s  lines=%d  total=%s\n", bill.DocumentNumber, bill.Vendor, bill.TransactionDate, bill.Lines, bill.Total)
		_, _ = fmt.Fprintf(out, "    %s\n", bill.Memo)
		if bill.Unresolved != "" {
			_, _ = fmt.Fprintf(out, "    needs ledger lookup: %s\n", bill.Unresolved)
		}
	}
	if len(summary.Deferred) > 0 {
		_, _ = fmt.Fprintf(out, "%d line(s) deferred (bill full)\n", len(summary.Deferred))
	}
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
