package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/ledger"
)

var (
	// ErrUnresolved indicates the ledger has no entity for the name and none could be created.
	ErrUnresolved = errors.New("resolve: entity not found")
	// ErrDuplicateUnresolved indicates a duplicate-name conflict with no matching candidate.
	ErrDuplicateUnresolved = errors.New("resolve: duplicate name not matched")
)

// Ledger is the part of the ledger client the resolver uses.
type Ledger interface {
	Query(ctx context.Context, entity ledger.EntityType, statement string) ([]ledger.Entity, error)
	Create(ctx context.Context, entity ledger.EntityType, body any) (ledger.Entity, error)
}

// Policy holds the fallbacks applied when a name is unknown.
type Policy struct {
	DefaultItemName     string
	DefaultItemType     string
	ExpenseAccountName  string
	IncomeAccountName   string
	ExpenseAccountTypes []string
	IncomeAccountTypes  []string
	TaxKeywords         []string
}

// DefaultPolicy returns the production fallbacks.
func DefaultPolicy() Policy {
	return Policy{
		DefaultItemName:     "SERVIZIO IMPORT",
		DefaultItemType:     "Service",
		ExpenseAccountTypes: []string{"Expense", "Cost of Goods Sold", "Other Expense"},
		IncomeAccountTypes:  []string{"Income", "Other Income"},
		TaxKeywords:         []string{"purchase", "acquist", "input"},
	}
}

// Resolver turns names into ledger ids, creating vendors and items on demand.
type Resolver struct {
	ledger Ledger
	cache  *Cache
	policy Policy
	logger *slog.Logger

	listMu sync.Mutex
	lists  map[string][]ledger.Entity
	group  singleflight.Group
}

// NewResolver wires a resolver. A nil cache gets a fresh one.
func NewResolver(l Ledger, cache *Cache, policy Policy, logger *slog.Logger) *Resolver {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultPolicy()
	if policy.DefaultItemName == "" {
		policy.DefaultItemName = def.DefaultItemName
	}
	if policy.DefaultItemType == "" {
		policy.DefaultItemType = def.DefaultItemType
	}
	if len(policy.ExpenseAccountTypes) == 0 {
		policy.ExpenseAccountTypes = def.ExpenseAccountTypes
	}
	if len(policy.IncomeAccountTypes) == 0 {
		policy.IncomeAccountTypes = def.IncomeAccountTypes
	}
	if len(policy.TaxKeywords) == 0 {
		policy.TaxKeywords = def.TaxKeywords
	}
	return &Resolver{
		ledger: l,
		cache:  cache,
		policy: policy,
		logger: logger.With(slog.String("component", "resolver")),
		lists:  make(map[string][]ledger.Entity),
	}
}

// Cache exposes the run cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Resolve looks name up by its exact ledger name. Absence is cached too.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}
	entity := kind.Entity()
	e, err := r.cache.Load(ctx, kind, name, func(ctx context.Context) (Entry, error) {
		rows, err := r.ledger.Query(ctx, entity, ledger.SelectByName(entity, name))
		if err != nil {
			return Entry{}, err
		}
		if len(rows) == 0 {
			return Entry{}, nil
		}
		return Entry{ID: rows[0].ID, Found: true}, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("resolve %s %q: %w", kind, name, err)
	}
	return e.ID, e.Found, nil
}

// ResolveOrCreate resolves name and applies the fallback policy for the kind when absent.
func (r *Resolver) ResolveOrCreate(ctx context.Context, kind Kind, name string) (string, error) {
	switch kind {
	case KindItem:
		if strings.TrimSpace(name) == "" {
			name = r.policy.DefaultItemName
		}
	case KindAccount:
		if strings.TrimSpace(name) == "" {
			return r.DefaultAccount(ctx, false)
		}
	case KindTaxCode:
		return r.ResolveTaxCode(ctx, name, nil)
	}

	id, ok, err := r.Resolve(ctx, kind, name)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	switch kind {
	case KindVendor:
		return r.create(ctx, kind, name, ledger.VendorPayload{DisplayName: strings.TrimSpace(name)})
	case KindItem:
		return r.createItem(ctx, name)
	case KindAccount:
		r.logger.Info("account not found, using default", slog.String("name", name))
		return r.DefaultAccount(ctx, false)
	default:
		return "", fmt.Errorf("%w: %s %q", ErrUnresolved, kind, name)
	}
}

func (r *Resolver) createItem(ctx context.Context, name string) (string, error) {
	body := ledger.ItemPayload{Name: strings.TrimSpace(name), Type: r.policy.DefaultItemType}
	if id, err := r.DefaultAccount(ctx, false); err == nil {
		body.ExpenseAccountRef = &ledger.RefValue{Value: id}
	}
	if id, err := r.DefaultAccount(ctx, true); err == nil {
		body.IncomeAccountRef = &ledger.RefValue{Value: id}
	}
	return r.create(ctx, KindItem, name, body)
}

// create posts the entity; a duplicate-name failure is resolved against existing candidates.
func (r *Resolver) create(ctx context.Context, kind Kind, name string, body any) (string, error) {
	v, err, _ := r.group.Do("create\x00"+string(kind)+"\x00"+bills.NormalizeName(name), func() (any, error) {
		if e, ok := r.cache.Get(kind, name); ok && e.Found {
			return e.ID, nil
		}
		created, err := r.ledger.Create(ctx, kind.Entity(), body)
		if err == nil {
			r.logger.Info("created entity", slog.String("kind", string(kind)), slog.String("name", name), slog.String("id", created.ID))
			r.cache.Put(ctx, kind, name, Entry{ID: created.ID, Found: true})
			return created.ID, nil
		}
		lerr, ok := ledger.AsError(err)
		if !ok || !lerr.IsConflict() {
			return "", fmt.Errorf("resolve: create %s %q: %w", kind, name, err)
		}
		match, found, rerr := r.Recover(ctx, kind, name, "")
		if rerr != nil {
			return "", rerr
		}
		if !found {
			return "", fmt.Errorf("%w: %s %q: %v", ErrDuplicateUnresolved, kind, name, err)
		}
		r.cache.Put(ctx, kind, name, Entry{ID: match.Entity.ID, Found: true})
		return match.Entity.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Recover finds the entity the ledger already stores under a variant of name.
// Candidate sets widen step by step: exact name, trimmed name, first word prefix, full list.
func (r *Resolver) Recover(ctx context.Context, kind Kind, name, parentID string) (Match, bool, error) {
	entity := kind.Entity()
	var statements []string
	if parentID != "" {
		statements = append(statements, ledger.SelectChildren(entity, parentID))
	}
	statements = append(statements, ledger.SelectByName(entity, name))
	if trimmed := strings.TrimSpace(name); trimmed != name && trimmed != "" {
		statements = append(statements, ledger.SelectByName(entity, trimmed))
	}
	if fields := strings.Fields(name); len(fields) > 0 {
		statements = append(statements, ledger.SelectNameLike(entity, fields[0]))
	}
	statements = append(statements, ledger.SelectAll(entity))

	seen := make(map[string]bool)
	var candidates []ledger.Entity
	var lastErr error
	for _, stmt := range statements {
		rows, err := r.ledger.Query(ctx, entity, stmt)
		if err != nil {
			lastErr = err
			r.logger.Warn("recovery query failed", slog.String("kind", string(kind)), slog.Any("error", err))
			continue
		}
		for _, row := range rows {
			if !seen[row.ID] {
				seen[row.ID] = true
				candidates = append(candidates, row)
			}
		}
		if m, ok := FindMatch(candidates, name, parentID); ok {
			r.logger.Info("recovered existing entity",
				slog.String("kind", string(kind)),
				slog.String("name", name),
				slog.String("id", m.Entity.ID),
				slog.String("matched", m.Entity.Label()),
				slog.String("strategy", string(m.Strategy)))
			return m, true, nil
		}
	}
	if len(candidates) == 0 && lastErr != nil {
		return Match{}, false, fmt.Errorf("resolve: recover %s %q: %w", kind, name, lastErr)
	}
	return Match{}, false, nil
}

// ResolveCustomer resolves a billable customer; jobs are matched among the parent's children.
func (r *Resolver) ResolveCustomer(ctx context.Context, ref *bills.CustomerRef) (string, error) {
	if ref == nil {
		return "", nil
	}
	if id := strings.TrimSpace(ref.ID); id != "" {
		return id, nil
	}
	if !ref.IsSubEntity() {
		id, ok, err := r.Resolve(ctx, KindCustomer, ref.Name)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: customer %q", ErrUnresolved, ref.Name)
		}
		return id, nil
	}
	parent := strings.TrimSpace(ref.ParentID)
	e, err := r.cache.Load(ctx, KindCustomer, parent+"/"+ref.Name, func(ctx context.Context) (Entry, error) {
		m, ok, err := r.Recover(ctx, KindCustomer, ref.Name, parent)
		if err != nil || !ok {
			return Entry{}, err
		}
		return Entry{ID: m.Entity.ID, Found: true}, nil
	})
	if err != nil {
		return "", err
	}
	if !e.Found {
		return "", fmt.Errorf("%w: customer %q under %s", ErrUnresolved, ref.Name, parent)
	}
	return e.ID, nil
}

// DefaultAccount picks the configured default expense (or income) account, else the first active account of a fallback type.
func (r *Resolver) DefaultAccount(ctx context.Context, income bool) (string, error) {
	name, types, label := r.policy.ExpenseAccountName, r.policy.ExpenseAccountTypes, "default:expense"
	if income {
		name, types, label = r.policy.IncomeAccountName, r.policy.IncomeAccountTypes, "default:income"
	}
	if name != "" {
		id, ok, err := r.Resolve(ctx, KindAccount, name)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
		r.logger.Warn("configured default account not found", slog.String("name", name))
	}
	e, err := r.cache.Load(ctx, KindAccount, label, func(ctx context.Context) (Entry, error) {
		accounts, err := r.list(ctx, ledger.EntityAccount, ledger.SelectActive(ledger.EntityAccount))
		if err != nil {
			return Entry{}, err
		}
		for _, t := range types {
			for _, a := range accounts {
				if a.IsActive() && strings.EqualFold(a.AccountType, t) {
					return Entry{ID: a.ID, Found: true}, nil
				}
			}
		}
		return Entry{}, nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve: default account: %w", err)
	}
	if !e.Found {
		return "", fmt.Errorf("%w: no active account of type %s", ErrUnresolved, strings.Join(types, ", "))
	}
	return e.ID, nil
}

var percentPattern = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*%`)

// PercentHint extracts the first "<n>%" from text.
func PercentHint(text string) *decimal.Decimal {
	m := percentPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", "."))
	if err != nil {
		return nil
	}
	return &d
}

// ResolveTaxCode resolves a tax code by name, else by percentage hint.
func (r *Resolver) ResolveTaxCode(ctx context.Context, name string, percent *decimal.Decimal) (string, error) {
	if strings.TrimSpace(name) != "" {
		id, ok, err := r.Resolve(ctx, KindTaxCode, name)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
		if percent == nil {
			percent = PercentHint(name)
		}
	}
	hint := ""
	if percent != nil {
		hint = percent.String()
	}
	e, err := r.cache.Load(ctx, KindTaxCode, "pct:"+hint, func(ctx context.Context) (Entry, error) {
		codes, err := r.list(ctx, ledger.EntityTaxCode, ledger.SelectAll(ledger.EntityTaxCode))
		if err != nil {
			return Entry{}, err
		}
		if code, ok := selectTaxCode(codes, hint, r.policy.TaxKeywords); ok {
			return Entry{ID: code.ID, Found: true}, nil
		}
		return Entry{}, nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve: tax code: %w", err)
	}
	if !e.Found {
		return "", fmt.Errorf("%w: tax code %q", ErrUnresolved, name)
	}
	return e.ID, nil
}

func selectTaxCode(codes []ledger.Entity, percent string, keywords []string) (ledger.Entity, bool) {
	active := make([]ledger.Entity, 0, len(codes))
	for _, c := range codes {
		if c.IsActive() {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return ledger.Entity{}, false
	}
	text := func(c ledger.Entity) string {
		return strings.ToLower(c.Name + " " + c.Description)
	}
	purchase := func(c ledger.Entity) bool {
		t := text(c)
		for _, k := range keywords {
			if strings.Contains(t, strings.ToLower(k)) {
				return true
			}
		}
		return false
	}
	if percent != "" {
		re := regexp.MustCompile(`(^|[^0-9.,])` + regexp.QuoteMeta(percent) + `\s*%`)
		var withPct []ledger.Entity
		for _, c := range active {
			if re.MatchString(text(c)) {
				withPct = append(withPct, c)
			}
		}
		for _, c := range withPct {
			if purchase(c) {
				return c, true
			}
		}
		if len(withPct) > 0 {
			return withPct[0], true
		}
	}
	for _, c := range active {
		if purchase(c) {
			return c, true
		}
	}
	for _, c := range active {
		if c.Taxable != nil && *c.Taxable {
			return c, true
		}
	}
	return active[0], true
}

// list loads a full entity list once per run.
func (r *Resolver) list(ctx context.Context, entity ledger.EntityType, statement string) ([]ledger.Entity, error) {
	r.listMu.Lock()
	rows, ok := r.lists[statement]
	r.listMu.Unlock()
	if ok {
		return rows, nil
	}
	v, err, _ := r.group.Do("list\x00"+statement, func() (any, error) {
		rows, err := r.ledger.Query(ctx, entity, statement)
		if err != nil {
			return nil, err
		}
		r.listMu.Lock()
		r.lists[statement] = rows
		r.listMu.Unlock()
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ledger.Entity), nil
}
