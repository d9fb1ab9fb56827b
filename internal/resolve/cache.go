// Package resolve maps entity names to ledger ids with per-run memoization.
package resolve

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/ledger"
)

// Kind is an entity category the resolver understands.
type Kind string

const (
	KindVendor   Kind = "vendor"
	KindItem     Kind = "item"
	KindAccount  Kind = "account"
	KindTaxCode  Kind = "taxCode"
	KindCustomer Kind = "customer"
)

// Entity returns the ledger resource behind the kind.
func (k Kind) Entity() ledger.EntityType {
	switch k {
	case KindVendor:
		return ledger.EntityVendor
	case KindItem:
		return ledger.EntityItem
	case KindAccount:
		return ledger.EntityAccount
	case KindTaxCode:
		return ledger.EntityTaxCode
	default:
		return ledger.EntityCustomer
	}
}

// Entry is a cached lookup. Found is false for names the ledger does not know.
type Entry struct {
	ID    string `json:"id"`
	Found bool   `json:"found"`
}

// CacheObserver is told about every lookup.
type CacheObserver interface {
	ObserveCacheLookup(kind string, hit bool)
}

type cacheKey struct {
	kind Kind
	name string
}

// Cache memoizes (kind, normalized name) lookups for one run. Entries are never invalidated.
type Cache struct {
	mu       sync.RWMutex
	entries  map[cacheKey]Entry
	group    singleflight.Group
	store    Store
	observer CacheObserver
	logger   *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStore adds a persistent layer consulted before the loader.
func WithStore(store Store) CacheOption {
	return func(c *Cache) { c.store = store }
}

// WithCacheObserver records hit and miss counts.
func WithCacheObserver(o CacheObserver) CacheOption {
	return func(c *Cache) { c.observer = o }
}

// WithCacheLogger sets the logger used for store failures.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache constructs an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{entries: make(map[cacheKey]Entry), logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry, if any.
func (c *Cache) Get(kind Kind, name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey{kind, bills.NormalizeName(name)}]
	return e, ok
}

// Put records an entry, for example after creating the entity. Found entries are persisted.
func (c *Cache) Put(ctx context.Context, kind Kind, name string, e Entry) {
	key := cacheKey{kind, bills.NormalizeName(name)}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	if e.Found && c.store != nil {
		if err := c.store.Set(ctx, kind, key.name, e); err != nil {
			c.logger.Warn("entity cache store write failed", slog.String("kind", string(kind)), slog.Any("error", err))
		}
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Load returns the cached entry or runs loader once per key, even under concurrent callers.
// Loader errors are not cached.
func (c *Cache) Load(ctx context.Context, kind Kind, name string, loader func(context.Context) (Entry, error)) (Entry, error) {
	if e, ok := c.Get(kind, name); ok {
		c.observe(kind, true)
		return e, nil
	}
	normalized := bills.NormalizeName(name)
	v, err, _ := c.group.Do(string(kind)+"\x00"+normalized, func() (any, error) {
		if e, ok := c.Get(kind, name); ok {
			return e, nil
		}
		if e, ok := c.fromStore(ctx, kind, normalized); ok {
			c.mu.Lock()
			c.entries[cacheKey{kind, normalized}] = e
			c.mu.Unlock()
			return e, nil
		}
		e, err := loader(ctx)
		if err != nil {
			return Entry{}, err
		}
		c.Put(ctx, kind, name, e)
		return e, nil
	})
	c.observe(kind, false)
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) fromStore(ctx context.Context, kind Kind, name string) (Entry, bool) {
	if c.store == nil {
		return Entry{}, false
	}
	e, ok, err := c.store.Get(ctx, kind, name)
	if err != nil {
		c.logger.Warn("entity cache store read failed", slog.String("kind", string(kind)), slog.Any("error", err))
		return Entry{}, false
	}
	return e, ok && e.Found
}

func (c *Cache) observe(kind Kind, hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(string(kind), hit)
	}
}
