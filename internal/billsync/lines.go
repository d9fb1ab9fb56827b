package billsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/ledger"
	"github.com/odyssey-erp/billsync/internal/resolve"
)

// resolveLines fills entity ids on a copy of the bill's lines.
// Item and tax failures degrade the line; an account failure fails the bill.
func (e *Engine) resolveLines(ctx context.Context, r *run, bill *bills.ConsolidatedBill) (*bills.ConsolidatedBill, []Warning, error) {
	var warnings []Warning
	lines := bill.Lines()
	for i := range lines {
		line := &lines[i]
		num := i + 1

		if line.Item != nil && strings.TrimSpace(line.Item.ID) == "" {
			id, err := r.resolver.ResolveOrCreate(ctx, resolve.KindItem, line.Item.Name)
			switch {
			case fatal(err):
				return nil, warnings, err
			case err != nil:
				r.logger.Warn("item resolution failed, booking line to account",
					slog.String("item", line.Item.Name), slog.Int("line", num), slog.Any("error", err))
				warnings = append(warnings, Warning{Kind: KindEntityResolutionFailed, Line: num, Detail: err.Error()})
				line.Item, line.Quantity, line.UnitPrice = nil, nil, nil
			default:
				item := *line.Item
				item.ID = id
				line.Item = &item
			}
		}

		if !line.IsItemBased() && strings.TrimSpace(line.Account.ID) == "" {
			id, err := r.resolver.ResolveOrCreate(ctx, resolve.KindAccount, line.Account.Name)
			if err != nil {
				return nil, warnings, fmt.Errorf("line %d account %q: %w", num, line.Account.Name, err)
			}
			line.Account.ID = id
		}

		if strings.TrimSpace(line.TaxCode.ID) == "" {
			percent := line.TaxPercent
			if percent == nil && strings.TrimSpace(line.TaxCode.Name) == "" {
				percent = resolve.PercentHint(line.Description)
			}
			if strings.TrimSpace(line.TaxCode.Name) != "" || percent != nil {
				id, err := r.resolver.ResolveTaxCode(ctx, line.TaxCode.Name, percent)
				switch {
				case fatal(err):
					return nil, warnings, err
				case err != nil:
					r.logger.Warn("tax code resolution failed, sending line without tax code",
						slog.Int("line", num), slog.Any("error", err))
					warnings = append(warnings, Warning{Kind: KindEntityResolutionFailed, Line: num, Detail: err.Error()})
				default:
					line.TaxCode.ID = id
				}
			}
		}

		if line.Customer != nil && strings.TrimSpace(line.Customer.ID) == "" {
			id, err := r.resolver.ResolveCustomer(ctx, line.Customer)
			switch {
			case fatal(err):
				return nil, warnings, err
			case err != nil:
				r.logger.Warn("customer resolution failed, line not billable",
					slog.String("customer", line.Customer.Name), slog.Int("line", num), slog.Any("error", err))
				warnings = append(warnings, Warning{Kind: KindEntityResolutionFailed, Line: num, Detail: err.Error()})
				line.Customer = nil
			default:
				customer := *line.Customer
				customer.ID = id
				line.Customer = &customer
			}
		}
	}
	return bill.WithLines(lines), warnings, nil
}

// fatal reports errors that should fail the bill instead of degrading a line.
func fatal(err error) bool {
	return err != nil && (errors.Is(err, ledger.ErrNetwork) || errors.Is(err, ledger.ErrNoCredential))
}
