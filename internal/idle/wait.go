// Package idle turns carts that expose mutation progress only through a status
// field into a single awaitable completion signal.
//
// The default [Waiter] polls. Carts that can announce status changes implement
// [StatusNotifier] and are waited on without polling; both paths share the
// same contract: true once every condition holds, false once the timeout
// elapses.
package idle

import (
	"context"
	"time"

	"github.com/matt-riley/cartcover/internal/core"
)

const (
	// StatusIdle is the cart status value that means no mutation is in flight.
	StatusIdle = "idle"

	DefaultPollInterval = 100 * time.Millisecond
)

// StatusReader is a cart that reports mutation progress via a status field.
type StatusReader interface {
	Status() string
}

// StatusNotifier is a StatusReader that can announce status changes. The
// returned channel receives a value after every change; cancel releases it.
type StatusNotifier interface {
	StatusReader
	SubscribeStatus() (changes <-chan struct{}, cancel func())
}

type Waiter struct {
	PollInterval time.Duration
}

// Default is a Waiter using [DefaultPollInterval].
var Default = Waiter{PollInterval: DefaultPollInterval}

func (w Waiter) interval() time.Duration {
	if w.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return w.PollInterval
}

// UntilConditionsMetOrTimeout polls conds every tick and reports whether they
// all held before timeout elapsed. The deadline fires on its own timer, so a
// tick interval longer than timeout still resolves false on time. A
// non-positive timeout resolves false without polling. Cancelling ctx
// resolves false.
func (w Waiter) UntilConditionsMetOrTimeout(ctx context.Context, timeout time.Duration, conds ...core.Condition) bool {
	if timeout <= 0 {
		return false
	}

	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if allMet(conds) {
				return true
			}
		}
	}
}

// UntilNotified re-evaluates conds whenever changes fires instead of on a
// fixed tick. Conditions are also checked once up front.
func (w Waiter) UntilNotified(ctx context.Context, timeout time.Duration, changes <-chan struct{}, conds ...core.Condition) bool {
	if timeout <= 0 {
		return false
	}
	if allMet(conds) {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case _, ok := <-changes:
			if allMet(conds) {
				return true
			}
			if !ok {
				return false
			}
		}
	}
}

// ForCartIdle waits until cart reports [StatusIdle]. Carts without a status
// field mutate synchronously, so the wait resolves true immediately.
func (w Waiter) ForCartIdle(ctx context.Context, cart any, timeout time.Duration) bool {
	switch c := cart.(type) {
	case StatusNotifier:
		changes, cancel := c.SubscribeStatus()
		defer cancel()
		return w.UntilNotified(ctx, timeout, changes, isIdle(c))
	case StatusReader:
		return w.UntilConditionsMetOrTimeout(ctx, timeout, isIdle(c))
	default:
		return true
	}
}

func isIdle(r StatusReader) core.Condition {
	return func() bool { return r.Status() == StatusIdle }
}

func allMet(conds []core.Condition) bool {
	for _, cond := range conds {
		if !cond() {
			return false
		}
	}
	return true
}
