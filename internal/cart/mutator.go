// Package cart drives the host platform's cart through one of two mutation
// shapes: a form-submission endpoint ([FormSubmitter]) or a stateful cart
// object with direct mutation methods and a status field ([StatefulCart]).
//
// [NewMutator] inspects the target once and returns the matching [Mutator];
// callers never inspect the cart again.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matt-riley/cartcover/internal/core"
	"github.com/matt-riley/cartcover/internal/idle"
)

const DefaultIdleTimeout = 5 * time.Second

var ErrUnsupportedCart = errors.New("cart supports neither form submission nor direct mutation")

type Kind string

const (
	KindFormSubmission Kind = "form"
	KindDirectCall     Kind = "direct"
)

// Mutator is the capability interface the coverage client drives.
type Mutator interface {
	core.LineMutator
	AttributesUpdate(ctx context.Context, attrs []core.Attribute) error
	// WaitIdle blocks until previously issued mutations have settled, or the
	// idle timeout elapses. It never returns an error.
	WaitIdle(ctx context.Context) bool
	Kind() Kind
}

// FormSubmitter posts a cart form action to the storefront's cart route.
type FormSubmitter interface {
	Submit(ctx context.Context, input FormInput) error
}

// StatefulCart mutates through method calls and reports progress through
// Status, which returns [idle.StatusIdle] once all mutations have settled.
type StatefulCart interface {
	LinesAdd(ctx context.Context, lines []core.LineInput) error
	LinesRemove(ctx context.Context, lineIDs []string) error
	CartAttributesUpdate(ctx context.Context, attrs []core.Attribute) error
	Status() string
}

// Snapshotter is implemented by carts that can report their current contents.
type Snapshotter interface {
	Snapshot() *core.Cart
}

type options struct {
	waiter      idle.Waiter
	idleTimeout time.Duration
	log         *slog.Logger
}

type Option func(*options)

func WithWaiter(w idle.Waiter) Option {
	return func(o *options) { o.waiter = w }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// NewMutator classifies target and returns the mutator for its shape. A
// target implementing both shapes is driven through direct calls.
func NewMutator(target any, opts ...Option) (Mutator, error) {
	o := options{
		waiter:      idle.Default,
		idleTimeout: DefaultIdleTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch t := target.(type) {
	case StatefulCart:
		return &DirectCallMutator{cart: t, opts: o}, nil
	case FormSubmitter:
		return &FormSubmissionMutator{submitter: t, opts: o}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCart, target)
	}
}
