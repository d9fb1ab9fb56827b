package billsync

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/billsync/internal/bills"
)

// runBatch syncs bills on a bounded pool. Results keep the order of bills.
// Once ctx is done no further bill starts; bills already running finish detached from ctx.
func (e *Engine) runBatch(ctx context.Context, r *run, consolidated []*bills.ConsolidatedBill) []SyncResult {
	results := make([]SyncResult, len(consolidated))
	started := make([]bool, len(consolidated))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, bill := range consolidated {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = e.syncOne(detached, r, bill)
			return nil
		})
	}
	_ = g.Wait()

	for i, bill := range consolidated {
		if !started[i] {
			detail := "batch canceled before the bill started"
			if err := ctx.Err(); err != nil {
				detail += ": " + err.Error()
			}
			results[i] = newResult(bill).fail(KindCanceled, detail)
		}
	}
	return results
}
