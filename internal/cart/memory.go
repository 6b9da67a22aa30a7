package cart

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/cartcover/internal/core"
	"github.com/matt-riley/cartcover/internal/idle"
)

const (
	StatusUpdating = "updating"

	DefaultSettleDelay = 50 * time.Millisecond
	memoryQueueSize    = 64
)

var ErrCartClosed = errors.New("cart is closed")

// MerchandiseResolver fills in merchandise details for a line being added.
type MerchandiseResolver func(in core.LineInput) core.Merchandise

// CoverageResolver tags lines added with a selected variant as belonging to
// vendor and prices them from that variant.
func CoverageResolver(vendor string) MerchandiseResolver {
	return func(in core.LineInput) core.Merchandise {
		m := core.Merchandise{ID: in.MerchandiseID}
		if in.SelectedVariant != nil {
			m.Title = in.SelectedVariant.Title
			m.Price = in.SelectedVariant.Price
			m.Product = core.Product{Vendor: vendor}
		}
		return m
	}
}

// MemoryCart is an in-process [StatefulCart]. Mutations are queued and applied
// one at a time after a settle delay; Status reports "updating" until the
// queue drains.
type MemoryCart struct {
	mu      sync.RWMutex
	cart    core.Cart
	pending int
	status  string
	closed  bool

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan struct{}

	settle  time.Duration
	resolve MerchandiseResolver
	queue   chan func(*core.Cart)
	done    chan struct{}
}

type MemoryOption func(*MemoryCart)

func WithSettleDelay(d time.Duration) MemoryOption {
	return func(c *MemoryCart) {
		if d >= 0 {
			c.settle = d
		}
	}
}

func WithMerchandiseResolver(fn MerchandiseResolver) MemoryOption {
	return func(c *MemoryCart) {
		if fn != nil {
			c.resolve = fn
		}
	}
}

// NewMemoryCart seeds a cart from initial. Call Close to stop the worker.
func NewMemoryCart(initial core.Cart, opts ...MemoryOption) *MemoryCart {
	c := &MemoryCart{
		cart:    cloneCart(initial),
		status:  idle.StatusIdle,
		subs:    make(map[int]chan struct{}),
		settle:  DefaultSettleDelay,
		resolve: func(in core.LineInput) core.Merchandise { return core.Merchandise{ID: in.MerchandiseID} },
		queue:   make(chan func(*core.Cart), memoryQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

func (c *MemoryCart) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Snapshot returns a copy of the settled cart contents.
func (c *MemoryCart) Snapshot() *core.Cart {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := cloneCart(c.cart)
	return &out
}

func (c *MemoryCart) SubscribeStatus() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *MemoryCart) LinesAdd(ctx context.Context, lines []core.LineInput) error {
	added := make([]core.LineInput, len(lines))
	copy(added, lines)
	return c.enqueue(ctx, func(cart *core.Cart) {
		for _, in := range added {
			c.addLine(cart, in)
		}
	})
}

func (c *MemoryCart) LinesRemove(ctx context.Context, lineIDs []string) error {
	remove := make(map[string]struct{}, len(lineIDs))
	for _, id := range lineIDs {
		remove[id] = struct{}{}
	}
	return c.enqueue(ctx, func(cart *core.Cart) {
		kept := cart.Lines[:0]
		for _, line := range cart.Lines {
			if _, ok := remove[line.ID]; !ok {
				kept = append(kept, line)
			}
		}
		cart.Lines = kept
	})
}

func (c *MemoryCart) CartAttributesUpdate(ctx context.Context, attrs []core.Attribute) error {
	updates := make([]core.Attribute, len(attrs))
	copy(updates, attrs)
	return c.enqueue(ctx, func(cart *core.Cart) {
		for _, attr := range updates {
			replaced := false
			for i := range cart.Attributes {
				if cart.Attributes[i].Key == attr.Key {
					cart.Attributes[i].Value = attr.Value
					replaced = true
				}
			}
			if !replaced {
				cart.Attributes = append(cart.Attributes, attr)
			}
		}
	})
}

// Close stops the worker. Queued mutations that have not settled are dropped.
func (c *MemoryCart) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *MemoryCart) enqueue(ctx context.Context, fn func(*core.Cart)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCartClosed
	}
	c.pending++
	c.status = StatusUpdating
	c.mu.Unlock()
	c.notify()

	select {
	case c.queue <- fn:
		return nil
	case <-c.done:
		return ErrCartClosed
	case <-ctx.Done():
		c.settled(nil)
		return ctx.Err()
	}
}

func (c *MemoryCart) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.queue:
			if c.settle > 0 {
				timer := time.NewTimer(c.settle)
				select {
				case <-c.done:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			c.settled(fn)
		}
	}
}

func (c *MemoryCart) settled(fn func(*core.Cart)) {
	c.mu.Lock()
	if fn != nil {
		fn(&c.cart)
		c.recomputeSubtotal()
	}
	c.pending--
	if c.pending <= 0 {
		c.pending = 0
		c.status = idle.StatusIdle
	}
	c.mu.Unlock()
	c.notify()
}

func (c *MemoryCart) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// addLine merges into an existing line with the same merchandise, as
// storefront carts do.
func (c *MemoryCart) addLine(cart *core.Cart, in core.LineInput) {
	for i := range cart.Lines {
		if cart.Lines[i].Merchandise.ID == in.MerchandiseID {
			cart.Lines[i].Quantity += in.Quantity
			return
		}
	}
	merch := c.resolve(in)
	merch.ID = in.MerchandiseID
	cart.Lines = append(cart.Lines, core.Line{
		ID:          "gid://shopify/CartLine/" + uuid.NewString(),
		Quantity:    in.Quantity,
		Merchandise: merch,
	})
}

// recomputeSubtotal keeps line and cart totals consistent after a mutation.
// Must hold c.mu.
func (c *MemoryCart) recomputeSubtotal() {
	var total core.Money
	for i := range c.cart.Lines {
		line := &c.cart.Lines[i]
		if line.Merchandise.Price.Amount != "" {
			line.Cost.TotalAmount = core.MulMoney(line.Merchandise.Price, line.Quantity)
		}
		total = core.AddMoney(total, line.Cost.TotalAmount)
	}
	if total.CurrencyCode == "" {
		total.CurrencyCode = c.cart.Cost.SubtotalAmount.CurrencyCode
	}
	c.cart.Cost.SubtotalAmount = total
	c.cart.Cost.TotalAmount = total
}

func cloneCart(in core.Cart) core.Cart {
	out := in
	out.Lines = append([]core.Line(nil), in.Lines...)
	out.Attributes = append([]core.Attribute(nil), in.Attributes...)
	return out
}
