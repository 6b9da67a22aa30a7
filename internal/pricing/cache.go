package pricing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matt-riley/cartcover/internal/core"
)

const (
	DefaultCacheTTL = 5 * time.Minute
	cacheKeyPrefix  = "cartcover:descriptor:"
	notEligible     = "null"
)

// Cache stores pricing lookups in Redis keyed by store id and cart
// fingerprint. A nil *Cache is valid and never hits.
type Cache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewCache(rdb redis.Cmdable, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Fingerprint hashes every cart field sent to the pricing service. Line
// order does not matter.
func Fingerprint(cart *core.Cart) string {
	if cart == nil {
		return ""
	}
	parts := make([]string, 0, len(cart.Lines)+2)
	for _, line := range cart.Lines {
		parts = append(parts, strings.Join([]string{
			line.ID,
			line.Merchandise.ID,
			line.Merchandise.Product.ID,
			strconv.Itoa(line.Quantity),
			line.Merchandise.Price.Amount,
			line.Merchandise.Price.CurrencyCode,
			line.Cost.TotalAmount.Amount,
			line.Cost.TotalAmount.CurrencyCode,
		}, "|"))
	}
	sort.Strings(parts)
	parts = append(parts,
		"total="+cart.Cost.TotalAmount.Amount+cart.Cost.TotalAmount.CurrencyCode,
		"customer="+cart.BuyerIdentity.CustomerID+"/"+cart.BuyerIdentity.CountryCode,
	)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

func cacheKey(storeID string, cart *core.Cart) string {
	return cacheKeyPrefix + storeID + ":" + Fingerprint(cart)
}

// Get returns the cached lookup for cart. found is false on a miss; a hit
// may carry a nil descriptor when the cart was not eligible.
func (c *Cache) Get(ctx context.Context, storeID string, cart *core.Cart) (d *core.Descriptor, found bool, err error) {
	if c == nil || cart == nil {
		return nil, false, nil
	}
	raw, err := c.rdb.Get(ctx, cacheKey(storeID, cart)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pricing cache get: %w", err)
	}
	if raw == notEligible {
		return nil, true, nil
	}
	var out core.Descriptor
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false, fmt.Errorf("pricing cache decode: %w", err)
	}
	return &out, true, nil
}

func (c *Cache) Put(ctx context.Context, storeID string, cart *core.Cart, d *core.Descriptor) error {
	if c == nil || cart == nil {
		return nil
	}
	value := notEligible
	if d != nil {
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("pricing cache encode: %w", err)
		}
		value = string(b)
	}
	if err := c.rdb.Set(ctx, cacheKey(storeID, cart), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("pricing cache set: %w", err)
	}
	return nil
}
