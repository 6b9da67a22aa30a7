// Package checkout handles the shopper's final click on the checkout buttons:
// it runs the matching coverage operation, bounded by a timeout and followed
// by a cool-down, and hands back the checkout URL to navigate to.
package checkout

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	DefaultCooldown = 2 * time.Second
	DefaultTimeout  = 8 * time.Second
)

var (
	ErrBusy    = errors.New("checkout: another operation is in progress")
	ErrTimeout = errors.New("checkout: operation timed out")
)

// Guard admits one operation at a time. A new operation is rejected while one
// is running and for the cool-down period after it finishes.
type Guard struct {
	cooldown time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	readyAt time.Time
}

func NewGuard(cooldown, timeout time.Duration) *Guard {
	if cooldown < 0 {
		cooldown = 0
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{cooldown: cooldown, timeout: timeout, now: time.Now}
}

// Do runs op unless the guard is busy. If op outlives the timeout Do returns
// [ErrTimeout] while op keeps running on a context that ignores ctx's
// cancellation; the guard stays busy until it finishes.
func (g *Guard) Do(ctx context.Context, op func(context.Context) error) error {
	return g.do(ctx, op, g.cooldown)
}

// Exclusive is Do without the cool-down. It still waits out the cool-down
// left by an earlier Do.
func (g *Guard) Exclusive(ctx context.Context, op func(context.Context) error) error {
	return g.do(ctx, op, 0)
}

func (g *Guard) do(ctx context.Context, op func(context.Context) error, cooldown time.Duration) error {
	g.mu.Lock()
	if g.running || g.now().Before(g.readyAt) {
		g.mu.Unlock()
		return ErrBusy
	}
	g.running = true
	g.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := op(context.WithoutCancel(ctx))
		g.mu.Lock()
		g.running = false
		g.readyAt = g.now().Add(cooldown)
		g.mu.Unlock()
		done <- err
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether Do would currently reject an operation.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running || g.now().Before(g.readyAt)
}

// Guards hands out one [Guard] per key.
type Guards struct {
	cooldown time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	guards map[string]*Guard
}

func NewGuards(cooldown, timeout time.Duration) *Guards {
	return &Guards{cooldown: cooldown, timeout: timeout, guards: make(map[string]*Guard)}
}

func (g *Guards) For(key string) *Guard {
	g.mu.Lock()
	defer g.mu.Unlock()
	guard, ok := g.guards[key]
	if !ok {
		guard = NewGuard(g.cooldown, g.timeout)
		g.guards[key] = guard
	}
	return guard
}

func (g *Guards) Forget(key string) {
	g.mu.Lock()
	delete(g.guards, key)
	g.mu.Unlock()
}
