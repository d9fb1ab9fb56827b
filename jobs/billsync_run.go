package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/billsync/internal/billsync"
	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/dates"
	jobmetrics "github.com/odyssey-erp/billsync/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Syncer runs one batch against the ledger.
type Syncer interface {
	SyncBills(ctx context.Context, raw []bills.RawInvoiceLine, policy bills.GroupingPolicy, updateExisting bool) (billsync.Report, error)
}

// LineReader loads raw lines from an export; it may return rows alongside a joined row error.
type LineReader func(path string) ([]bills.RawInvoiceLine, error)

// PolicyLoader resolves the grouping policy for a payload; an empty path means the configured default.
type PolicyLoader func(path string) (bills.GroupingPolicy, error)

// BillSyncJob consolidates an export and pushes it to the ledger.
type BillSyncJob struct {
	Syncer  Syncer
	Read    LineReader
	Policy  PolicyLoader
	Dates   *dates.Parser
	DryRun  bool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBillSyncJob constructs the job handler.
func NewBillSyncJob(syncer Syncer, read LineReader, policy PolicyLoader, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillSyncJob {
	return &BillSyncJob{
		Syncer:  syncer,
		Read:    read,
		Policy:  policy,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sync run. Bad payloads are not retried; missing inputs and
// batch-level failures are. Per-bill failures are part of the report and succeed.
func (j *BillSyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Read == nil || j.Policy == nil || (j.Syncer == nil && !j.DryRun) {
		return errors.New("billsync run: dependencies not configured")
	}
	payload, err := decodeBillSyncPayload(task.Payload())
	if err != nil {
		j.log().Warn("discard task", slog.Any("error", err))
		return err
	}

	tracker := j.metrics().Track(TaskBillSync)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log().With(slog.String("source", payload.Source))
	lines, err := j.Read(payload.Source)
	if err != nil {
		if len(lines) == 0 {
			resultErr = fmt.Errorf("billsync run: read %s: %w", payload.Source, err)
			logger.Error("read export", slog.Any("error", err))
			return resultErr
		}
		logger.Warn("export rows rejected", slog.Any("error", err))
	}

	policy, err := j.Policy(payload.PolicyFile)
	if err != nil {
		resultErr = fmt.Errorf("billsync run: policy: %w", err)
		logger.Error("load policy", slog.String("policy_file", payload.PolicyFile), slog.Any("error", err))
		return resultErr
	}

	start := j.now()
	if j.DryRun {
		resultErr = j.preview(logger, lines, policy)
		return resultErr
	}

	report, err := j.Syncer.SyncBills(ctx, lines, policy, payload.UpdateExisting)
	j.record(report)
	if err != nil {
		resultErr = err
		logger.Error("sync run failed", slog.String("run_id", report.RunID), slog.Any("error", err))
		return resultErr
	}
	logger.Info("sync run finished",
		slog.String("run_id", report.RunID),
		slog.Int("lines", len(lines)),
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", report.Errors),
		slog.Int("deferred", len(report.Deferred)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

func (j *BillSyncJob) preview(logger *slog.Logger, lines []bills.RawInvoiceLine, policy bills.GroupingPolicy) error {
	aggregator, err := bills.NewAggregator(policy, j.Dates, logger)
	if err != nil {
		return err
	}
	agg := aggregator.Aggregate(lines)
	logger.Info("dry run aggregated",
		slog.Int("lines", len(lines)),
		slog.Int("bills", len(agg.Bills)),
		slog.Int("deferred", len(agg.Deferred)),
		slog.String("total", agg.Total().StringFixed(2)),
	)
	return nil
}

func (j *BillSyncJob) record(report billsync.Report) {
	counts := make(map[billsync.Outcome]int)
	for _, result := range report.Results {
		counts[result.Outcome]++
	}
	for outcome, n := range counts {
		j.metrics().AddBills(TaskBillSync, string(outcome), n)
	}
}

func (j *BillSyncJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillSyncJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillSync))
	}
	return slog.Default().With(slog.String("job", TaskBillSync))
}

func (j *BillSyncJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *BillSyncJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
