package billsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/ledger"
	"github.com/odyssey-erp/billsync/internal/resolve"
)

// implicated names the entity a duplicate-name fault points at.
type implicated struct {
	kind   resolve.Kind
	name   string
	parent string
}

func implicatedEntity(bill *bills.ConsolidatedBill, cause *ledger.Error) (implicated, bool) {
	if cause.Kind == ledger.KindNameInUse {
		for _, line := range bill.Lines() {
			if line.Customer.IsSubEntity() {
				return implicated{kind: resolve.KindCustomer, name: line.Customer.Name, parent: line.Customer.ParentID}, true
			}
		}
		return implicated{}, false
	}
	name := strings.TrimSpace(bill.VendorDisplayName)
	if name == "" {
		return implicated{}, false
	}
	return implicated{kind: resolve.KindVendor, name: name}, true
}

// recoverConflict matches the conflicting name against what the ledger already holds.
func (e *Engine) recoverConflict(ctx context.Context, r *run, bill *bills.ConsolidatedBill, res SyncResult, cause *ledger.Error) SyncResult {
	target, ok := implicatedEntity(bill, cause)
	if !ok {
		return res.fail(KindDuplicateUnresolved, "no entity to recover: "+cause.Error())
	}
	logger := r.logger.With(
		slog.String("bill", string(bill.Key)),
		slog.String("kind", string(target.kind)),
		slog.String("name", target.name))

	match, found, err := r.resolver.Recover(ctx, target.kind, target.name, target.parent)
	if err != nil {
		logger.Warn("conflict recovery failed", slog.Any("error", err))
		return res.fail(errorKind(err, KindDuplicateUnresolved), err.Error())
	}
	if !found {
		logger.Warn("conflict recovery found no candidate", slog.Any("cause", cause))
		return res.fail(KindDuplicateUnresolved, cause.Error())
	}
	detail := fmt.Sprintf("%s %q already exists as %q (id %s, %s match)",
		target.kind, target.name, match.Entity.Label(), match.Entity.ID, match.Strategy)
	logger.Info("conflict resolved to existing entity",
		slog.String("id", match.Entity.ID),
		slog.String("strategy", string(match.Strategy)))
	r.resolver.Cache().Put(ctx, target.kind, target.name, resolve.Entry{ID: match.Entity.ID, Found: true})

	if !e.cfg.RetryAfterRecovery {
		return res.done(OutcomeSkippedAlreadyExists, match.Entity.ID, detail)
	}

	retry := substitute(bill, target, match.Entity.ID)
	body, err := e.builder.Build(retry)
	if err != nil {
		return res.fail(KindValidation, err.Error())
	}
	created, err := e.ledger.CreateBill(ctx, body)
	if err != nil {
		logger.Warn("create after recovery failed", slog.Any("error", err))
		kind := errorKind(err, KindLedgerRejected)
		if lerr, ok := ledger.AsError(err); ok && lerr.IsConflict() {
			kind = KindDuplicateUnresolved
		}
		return res.fail(kind, err.Error())
	}
	res.VendorRef = retry.VendorRef
	return res.done(OutcomeCreated, created.ID, detail)
}

func substitute(bill *bills.ConsolidatedBill, target implicated, id string) *bills.ConsolidatedBill {
	if target.kind == resolve.KindVendor {
		return bill.WithVendor(id)
	}
	lines := bill.Lines()
	for i := range lines {
		c := lines[i].Customer
		if c.IsSubEntity() && bills.NormalizeName(c.Name) == bills.NormalizeName(target.name) && c.ParentID == target.parent {
			customer := *c
			customer.ID = id
			lines[i].Customer = &customer
		}
	}
	return bill.WithLines(lines)
}
