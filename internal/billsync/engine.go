// Package billsync consolidates invoice lines into bills and pushes them to the ledger exactly once.
package billsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/dates"
	"github.com/odyssey-erp/billsync/internal/ledger"
	"github.com/odyssey-erp/billsync/internal/payload"
	"github.com/odyssey-erp/billsync/internal/resolve"
)

// DefaultConcurrency matches the ledger's concurrent request limit.
const DefaultConcurrency = 10

// Ledger is the ledger surface the engine needs.
type Ledger interface {
	resolve.Ledger
	CheckCredential(ctx context.Context) error
	FindBill(ctx context.Context, docNumber, vendorRef string) (ledger.Entity, bool, error)
	CreateBill(ctx context.Context, p ledger.BillPayload) (ledger.Entity, error)
	UpdateBill(ctx context.Context, p ledger.BillPayload) (ledger.Entity, error)
}

// Config tunes the engine.
type Config struct {
	Concurrency        int
	RetryAfterRecovery bool
	Dates              *dates.Parser
	Resolve            resolve.Policy
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records results and cache lookups.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStore persists resolved entities across runs.
func WithStore(store resolve.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithClock overrides time.Now for reports.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine runs sync batches against one ledger company.
type Engine struct {
	ledger  Ledger
	cfg     Config
	builder *payload.Builder
	store   resolve.Store
	metrics *Metrics
	base    *slog.Logger
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine constructs an engine.
func NewEngine(l Ledger, cfg Config, opts ...Option) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Dates == nil {
		cfg.Dates = dates.Default()
	}
	e := &Engine{
		ledger: l,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.builder = payload.NewBuilder(cfg.Dates)
	e.base = e.logger
	e.logger = e.logger.With(slog.String("component", "billsync"))
	return e
}

// run is the state shared by the bills of one batch.
type run struct {
	id             string
	base           *slog.Logger
	logger         *slog.Logger
	resolver       *resolve.Resolver
	updateExisting bool
}

func (e *Engine) newRun(updateExisting bool) *run {
	id := uuid.NewString()
	base := e.base.With(slog.String("run_id", id))
	logger := e.logger.With(slog.String("run_id", id))
	cache := resolve.NewCache(
		resolve.WithStore(e.store),
		resolve.WithCacheObserver(cacheObserver(e.metrics)),
		resolve.WithCacheLogger(logger),
	)
	return &run{
		id:             id,
		base:           base,
		logger:         logger,
		resolver:       resolve.NewResolver(e.ledger, cache, e.cfg.Resolve, base),
		updateExisting: updateExisting,
	}
}

func cacheObserver(m *Metrics) resolve.CacheObserver {
	if m == nil {
		return nil
	}
	return m
}

// SyncBills aggregates raw lines under policy and syncs every resulting bill.
// It fails only for a malformed policy or a missing credential; per-bill failures land in the report.
// Bills that fail local validation never reach the ledger, and no vendor is created on their behalf.
func (e *Engine) SyncBills(ctx context.Context, raw []bills.RawInvoiceLine, policy bills.GroupingPolicy, updateExisting bool) (Report, error) {
	r := e.newRun(updateExisting)
	report := Report{RunID: r.id, StartedAt: e.now()}

	agg, err := bills.NewAggregator(policy, e.cfg.Dates, r.base)
	if err != nil {
		return report, err
	}
	first := agg.Aggregate(raw)
	report.Deferred = first.Deferred

	if err := e.ledger.CheckCredential(ctx); err != nil {
		report.Results = e.withoutCredential(first.Bills, err)
		e.finish(r, &report)
		r.logger.Error("ledger credential unavailable", slog.Int("bills", len(first.Bills)), slog.Any("error", err))
		return report, noCredential(err)
	}

	consolidated, deferred := e.regroup(ctx, r, agg, raw, first)
	report.Deferred = deferred
	r.logger.Info("aggregated bills",
		slog.Int("raw_lines", len(raw)),
		slog.Int("bills", len(consolidated)),
		slog.Int("deferred", len(report.Deferred)))

	report.Results = e.runBatch(ctx, r, consolidated)
	e.finish(r, &report)
	return report, nil
}

// Sync pushes already consolidated bills.
func (e *Engine) Sync(ctx context.Context, consolidated []*bills.ConsolidatedBill, updateExisting bool) (Report, error) {
	r := e.newRun(updateExisting)
	report := Report{RunID: r.id, StartedAt: e.now()}
	if err := e.ledger.CheckCredential(ctx); err != nil {
		report.Results = e.withoutCredential(consolidated, err)
		e.finish(r, &report)
		return report, noCredential(err)
	}
	report.Results = e.runBatch(ctx, r, consolidated)
	e.finish(r, &report)
	return report, nil
}

// withoutCredential reports every bill as blocked on the credential, or as invalid when it would never have been sent.
func (e *Engine) withoutCredential(consolidated []*bills.ConsolidatedBill, cause error) []SyncResult {
	results := make([]SyncResult, 0, len(consolidated))
	for _, bill := range consolidated {
		res := newResult(bill)
		if err := e.validate(bill); err != nil {
			results = append(results, res.fail(KindValidation, err.Error()))
			continue
		}
		results = append(results, res.fail(KindNoCredential, cause.Error()))
	}
	return results
}

func noCredential(err error) error {
	if errors.Is(err, ledger.ErrNoCredential) {
		return err
	}
	return fmt.Errorf("%w: %v", ledger.ErrNoCredential, err)
}

func (e *Engine) finish(r *run, report *Report) {
	report.FinishedAt = e.now()
	report.tally()
	e.metrics.observeReport(*report)
	r.logger.Info("sync batch finished",
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", report.Errors),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
}

// regroup resolves the vendor names of the bills that pass validation and, when any name
// resolved, aggregates again so lines land under their vendor id. Lines of rejected bills
// are left out of the second pass and their bills are reported as they are.
func (e *Engine) regroup(ctx context.Context, r *run, agg *bills.Aggregator, raw []bills.RawInvoiceLine, first bills.Aggregation) ([]*bills.ConsolidatedBill, []bills.DeferredLine) {
	var names []string
	rejected := make(map[int]bool)
	var invalid []*bills.ConsolidatedBill
	for _, bill := range first.Bills {
		if e.validate(bill) != nil {
			invalid = append(invalid, bill)
			for _, idx := range bill.SourceIndexes() {
				rejected[idx] = true
			}
			continue
		}
		if strings.TrimSpace(bill.VendorRef) == "" {
			names = append(names, bill.VendorDisplayName)
		}
	}

	ids, failures := e.resolveVendors(ctx, r, names)
	if len(ids) == 0 {
		for _, bill := range first.Bills {
			if bill.VendorRef == "" {
				bill.VendorError = failures[bills.NormalizeName(bill.VendorDisplayName)]
			}
		}
		return first.Bills, first.Deferred
	}

	input := make([]bills.RawInvoiceLine, 0, len(raw))
	origin := make([]int, 0, len(raw))
	for i, line := range raw {
		if rejected[i] {
			continue
		}
		if strings.TrimSpace(line.Vendor.ID) == "" {
			if id, ok := ids[bills.NormalizeName(line.Vendor.Name)]; ok {
				line.Vendor.ID = id
			}
		}
		input = append(input, line)
		origin = append(origin, i)
	}
	second := agg.Aggregate(input)

	type placed struct {
		bill  *bills.ConsolidatedBill
		first int
	}
	all := make([]placed, 0, len(second.Bills)+len(invalid))
	for _, bill := range second.Bills {
		if bill.VendorRef == "" {
			bill.VendorError = failures[bills.NormalizeName(bill.VendorDisplayName)]
		}
		all = append(all, placed{bill: bill, first: origin[bill.SourceIndexes()[0]]})
	}
	for _, bill := range invalid {
		all = append(all, placed{bill: bill, first: bill.SourceIndexes()[0]})
	}
	slices.SortStableFunc(all, func(a, b placed) int { return cmp.Compare(a.first, b.first) })

	out := make([]*bills.ConsolidatedBill, len(all))
	for i, p := range all {
		out[i] = p.bill
	}
	return out, second.Deferred
}

// resolveVendors looks up or creates each distinct vendor name once.
func (e *Engine) resolveVendors(ctx context.Context, r *run, names []string) (map[string]string, map[string]error) {
	ids := make(map[string]string)
	failures := make(map[string]error)
	for _, name := range names {
		key := bills.NormalizeName(name)
		if key == "" {
			continue
		}
		if _, ok := ids[key]; ok {
			continue
		}
		if _, failed := failures[key]; failed {
			continue
		}
		id, err := r.resolver.ResolveOrCreate(ctx, resolve.KindVendor, name)
		if err != nil {
			r.logger.Warn("vendor resolution failed", slog.String("vendor", name), slog.Any("error", err))
			failures[key] = err
			continue
		}
		ids[key] = id
	}
	return ids, failures
}

// validate runs the checks that need no ledger call.
func (e *Engine) validate(bill *bills.ConsolidatedBill) error {
	if strings.TrimSpace(bill.VendorRef) == "" && strings.TrimSpace(bill.VendorDisplayName) == "" {
		return errors.New("bill has no vendor")
	}
	if bill.LineCount() == 0 {
		return errors.New("bill has no lines")
	}
	if total := bill.TotalAmount(); !total.IsPositive() {
		return fmt.Errorf("bill total %s is not positive", total.StringFixed(2))
	}
	if _, err := e.cfg.Dates.Normalize(bill.TransactionDate); err != nil {
		return fmt.Errorf("transaction date: %w", err)
	}
	if due := strings.TrimSpace(bill.DueDate); due != "" {
		if _, err := e.cfg.Dates.Normalize(due); err != nil {
			return fmt.Errorf("due date: %w", err)
		}
	}
	return nil
}

// syncOne drives one bill through validate, probe, resolve, create or update, and conflict recovery.
// Nothing is written to the ledger before the probe rules out a skip.
func (e *Engine) syncOne(ctx context.Context, r *run, bill *bills.ConsolidatedBill) SyncResult {
	res := newResult(bill)
	if err := e.validate(bill); err != nil {
		return res.fail(KindValidation, err.Error())
	}
	if bill.VendorRef == "" {
		if bill.VendorError != nil {
			return res.fail(errorKind(bill.VendorError, KindValidation), bill.VendorError.Error())
		}
		id, err := r.resolver.ResolveOrCreate(ctx, resolve.KindVendor, bill.VendorDisplayName)
		if err != nil {
			return res.fail(errorKind(err, KindEntityResolutionFailed), err.Error())
		}
		bill = bill.WithVendor(id)
		res.VendorRef = id
	}
	logger := r.logger.With(slog.String("bill", string(bill.Key)), slog.String("document", bill.DocumentNumber))

	existing, found, err := e.ledger.FindBill(ctx, bill.DocumentNumber, bill.VendorRef)
	if err != nil {
		return res.fail(errorKind(err, KindLedgerRejected), err.Error())
	}
	if found && !r.updateExisting {
		logger.Info("bill already in ledger, skipping", slog.String("id", existing.ID))
		return res.done(OutcomeSkippedExisting, existing.ID, "")
	}

	resolved, warnings, err := e.resolveLines(ctx, r, bill)
	res.Warnings = warnings
	if err != nil {
		return res.fail(errorKind(err, KindEntityResolutionFailed), err.Error())
	}

	if found {
		update, err := e.builder.BuildUpdate(resolved, existing)
		if err != nil {
			return res.fail(KindValidation, err.Error())
		}
		updated, err := e.ledger.UpdateBill(ctx, update)
		if err != nil {
			logger.Warn("bill update failed", slog.String("id", existing.ID), slog.Any("error", err))
			kind := errorKind(err, KindUpdateFailed)
			if kind == KindLedgerRejected {
				kind = KindUpdateFailed
			}
			return res.fail(kind, err.Error())
		}
		logger.Info("bill updated", slog.String("id", updated.ID))
		return res.done(OutcomeUpdated, updated.ID, "")
	}

	body, err := e.builder.Build(resolved)
	if err != nil {
		return res.fail(KindValidation, err.Error())
	}
	created, err := e.ledger.CreateBill(ctx, body)
	if err == nil {
		logger.Info("bill created", slog.String("id", created.ID), slog.Int("lines", len(body.Line)))
		return res.done(OutcomeCreated, created.ID, "")
	}
	if lerr, ok := ledger.AsError(err); ok && lerr.IsConflict() {
		return e.recoverConflict(ctx, r, resolved, res, lerr)
	}
	logger.Warn("bill create failed", slog.Any("error", err))
	return res.fail(errorKind(err, KindLedgerRejected), err.Error())
}
