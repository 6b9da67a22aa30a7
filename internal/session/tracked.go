package session

import (
	"context"
	"slices"

	"github.com/matt-riley/cartcover/internal/cart"
	"github.com/matt-riley/cartcover/internal/core"
)

// trackedMutator keeps the session's cart snapshot in step with the
// mutations issued through it. Mutators that report the resulting cart
// replace the snapshot outright. Otherwise removals and attribute writes are
// applied locally, and an add marks the snapshot stale because the new line
// id is unknown until the storefront posts the cart again.
type trackedMutator struct {
	cart.Mutator
	s *Session
}

func (t *trackedMutator) LinesAdd(ctx context.Context, lines []core.LineInput) error {
	gen := t.s.currentGeneration()
	if err := t.Mutator.LinesAdd(ctx, lines); err != nil {
		return err
	}
	t.s.afterMutation(gen, func(*core.Cart) bool { return false })
	return nil
}

func (t *trackedMutator) LinesRemove(ctx context.Context, lineIDs []string) error {
	gen := t.s.currentGeneration()
	if err := t.Mutator.LinesRemove(ctx, lineIDs); err != nil {
		return err
	}
	t.s.afterMutation(gen, func(c *core.Cart) bool {
		if c != nil {
			c.Lines = slices.DeleteFunc(c.Lines, func(l core.Line) bool {
				return slices.Contains(lineIDs, l.ID)
			})
		}
		return true
	})
	return nil
}

func (t *trackedMutator) AttributesUpdate(ctx context.Context, attrs []core.Attribute) error {
	gen := t.s.currentGeneration()
	if err := t.Mutator.AttributesUpdate(ctx, attrs); err != nil {
		return err
	}
	t.s.afterMutation(gen, func(c *core.Cart) bool {
		if c != nil {
			c.Attributes = mergeAttributes(c.Attributes, attrs)
		}
		return true
	})
	return nil
}

func mergeAttributes(current, updates []core.Attribute) []core.Attribute {
	for _, u := range updates {
		i := slices.IndexFunc(current, func(a core.Attribute) bool { return a.Key == u.Key })
		if i >= 0 {
			current[i] = u
			continue
		}
		current = append(current, u)
	}
	return current
}
