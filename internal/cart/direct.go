package cart

import (
	"context"
	"log/slog"

	"github.com/matt-riley/cartcover/internal/core"
)

// DirectCallMutator drives a [StatefulCart] and waits on its status field.
type DirectCallMutator struct {
	cart StatefulCart
	opts options
}

func (m *DirectCallMutator) Kind() Kind { return KindDirectCall }

func (m *DirectCallMutator) LinesAdd(ctx context.Context, lines []core.LineInput) error {
	return m.cart.LinesAdd(ctx, lines)
}

func (m *DirectCallMutator) LinesRemove(ctx context.Context, lineIDs []string) error {
	return m.cart.LinesRemove(ctx, lineIDs)
}

func (m *DirectCallMutator) AttributesUpdate(ctx context.Context, attrs []core.Attribute) error {
	return m.cart.CartAttributesUpdate(ctx, attrs)
}

func (m *DirectCallMutator) WaitIdle(ctx context.Context) bool {
	ok := m.opts.waiter.ForCartIdle(ctx, m.cart, m.opts.idleTimeout)
	if !ok {
		m.opts.log.WarnContext(ctx, "cart did not return to idle before timeout",
			slog.Duration("timeout", m.opts.idleTimeout),
			slog.String("status", m.cart.Status()),
		)
	}
	return ok
}

// Snapshot returns the cart contents when the underlying cart can report them.
func (m *DirectCallMutator) Snapshot() *core.Cart {
	if s, ok := m.cart.(Snapshotter); ok {
		return s.Snapshot()
	}
	return nil
}

// Close releases the underlying cart when it holds resources of its own.
func (m *DirectCallMutator) Close() {
	if c, ok := m.cart.(interface{ Close() }); ok {
		c.Close()
	}
}
