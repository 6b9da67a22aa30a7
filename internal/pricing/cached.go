package pricing

import (
	"context"
	"log/slog"

	"github.com/matt-riley/cartcover/internal/core"
)

// Lookup resolves the coverage descriptor for a cart.
type Lookup interface {
	CoverageProducts(ctx context.Context, storeID string, cart *core.Cart) (*core.Descriptor, error)
}

// CachedLookup consults cache before delegating to next. Cache failures are
// logged and otherwise ignored.
type CachedLookup struct {
	next  Lookup
	cache *Cache
	log   *slog.Logger
}

func NewCachedLookup(next Lookup, cache *Cache, log *slog.Logger) *CachedLookup {
	if log == nil {
		log = slog.Default()
	}
	return &CachedLookup{next: next, cache: cache, log: log}
}

func (l *CachedLookup) CoverageProducts(ctx context.Context, storeID string, cart *core.Cart) (*core.Descriptor, error) {
	if d, found, err := l.cache.Get(ctx, storeID, cart); err != nil {
		l.log.Warn("pricing cache read failed", "store_id", storeID, "error", err)
	} else if found {
		return d, nil
	}

	d, err := l.next.CoverageProducts(ctx, storeID, cart)
	if err != nil {
		return nil, err
	}
	if err := l.cache.Put(ctx, storeID, cart, d); err != nil {
		l.log.Warn("pricing cache write failed", "store_id", storeID, "error", err)
	}
	return d, nil
}
