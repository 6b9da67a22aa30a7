// Package session owns the per-cart coverage context: the cart snapshot, the
// mutator that drives it, and the pricing lookup that decides which coverage
// variant is offered.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/matt-riley/cartcover/internal/cart"
	"github.com/matt-riley/cartcover/internal/core"
	"github.com/matt-riley/cartcover/internal/pricing"
)

// Session is one shopper's cart as seen by the gateway.
type Session struct {
	id        string
	storeID   string
	createdAt time.Time

	mutator    cart.Mutator
	tracked    *trackedMutator
	reconciler *core.Reconciler
	errors     *pricing.ErrorLog

	mu         sync.RWMutex
	cart       *core.Cart
	loading    bool
	stale      bool
	descriptor *core.Descriptor
	generation uint64
	cancel     context.CancelFunc
	loaded     chan struct{}
	resetDone  bool
	lastUsed   time.Time
}

// Loading reports whether the pricing lookup for the current cart is still in
// flight.
func (s *Session) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Descriptor returns the coverage variant offered for the current cart, or nil
// when the cart is not eligible or the lookup has not completed.
func (s *Session) Descriptor() *core.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descriptor
}

// Cart returns the live cart contents when the session drives the cart
// directly, and the tracked snapshot otherwise.
func (s *Session) Cart() *core.Cart {
	if s.mutator.Kind() == cart.KindDirectCall {
		if snap, ok := s.mutator.(cart.Snapshotter); ok {
			if c := snap.Snapshot(); c != nil {
				return c
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart
}

// CartStale reports whether a mutation has changed the cart in a way the
// snapshot cannot reflect. It clears when the storefront supplies a new cart.
func (s *Session) CartStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Mutator returns the session's mutator. Mutations issued through it keep
// [Session.Cart] current.
func (s *Session) Mutator() cart.Mutator { return s.tracked }

func (s *Session) Reconciler() *core.Reconciler { return s.reconciler }

func (s *Session) Errors() *pricing.ErrorLog { return s.errors }

func (s *Session) ID() string { return s.id }

func (s *Session) StoreID() string { return s.storeID }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// WaitLoaded blocks until the pricing lookup for the latest cart finishes or
// ctx is done.
func (s *Session) WaitLoaded(ctx context.Context) error {
	for {
		s.mu.RLock()
		done, loading := s.loaded, s.loading
		s.mu.RUnlock()
		if !loading {
			return nil
		}

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastUsed)
}

// begin discards the previous load and returns what the next one needs.
func (s *Session) begin(c *core.Cart) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.loaded != nil {
		select {
		case <-s.loaded:
		default:
			close(s.loaded)
		}
	}
	s.cart = c
	s.stale = false
	s.cancel = cancel
	s.generation++
	s.loading = true
	s.descriptor = nil
	s.loaded = make(chan struct{})
	return ctx, s.generation
}

// claimReset reports whether the caller should clear leftover coverage
// lines for this load. Only the first load of a session claims it.
func (s *Session) claimReset(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.resetDone {
		return false
	}
	s.resetDone = true
	return true
}

// finish stores a lookup result unless a newer load superseded it, and
// reports whether it was applied.
func (s *Session) finish(generation uint64, d *core.Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return false
	}
	s.loading = false
	s.descriptor = d
	close(s.loaded)
	return true
}

func (s *Session) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// afterMutation updates the snapshot once a mutation issued at generation
// has succeeded. apply edits a copy of the snapshot and returns false when
// the mutation's effect cannot be known locally.
func (s *Session) afterMutation(generation uint64, apply func(*core.Cart) bool) {
	var reported *core.Cart
	if snap, ok := s.mutator.(cart.Snapshotter); ok {
		reported = snap.Snapshot()
		if reported != nil && s.mutator.Kind() == cart.KindDirectCall {
			// Cart reads the live contents.
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return
	}
	if reported != nil {
		s.cart = reported
		s.stale = false
		return
	}
	if s.stale {
		return
	}
	next := s.cart.Clone()
	if !apply(next) {
		s.stale = true
		return
	}
	s.cart = next
}

func (s *Session) stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.loading = false
	if s.loaded != nil {
		select {
		case <-s.loaded:
		default:
			close(s.loaded)
		}
	}
	s.mu.Unlock()

	if c, ok := s.mutator.(interface{ Close() }); ok {
		c.Close()
	}
}
