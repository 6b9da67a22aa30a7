package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/matt-riley/cartcover/internal/core"
)

type Choice string

const (
	ChoiceCoverage    Choice = "coverage"
	ChoiceNonCoverage Choice = "non-coverage"
)

var ErrUnknownChoice = errors.New("checkout: unknown button choice")

// ParseChoice accepts the data-target values of the checkout buttons, with or
// without the "-button" suffix.
func ParseChoice(s string) (Choice, error) {
	switch s {
	case "coverage", "coverage-button":
		return ChoiceCoverage, nil
	case "non-coverage", "non-coverage-button":
		return ChoiceNonCoverage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChoice, s)
	}
}

// Coverage is the part of the coverage client a click drives.
type Coverage interface {
	Enable(ctx context.Context) (bool, error)
	Disable(ctx context.Context) (bool, error)
	Cart() *core.Cart
}

// Result tells the storefront where to go next and what to pass to its own
// click callback.
type Result struct {
	RedirectURL     string `json:"redirect_url"`
	CoverageEnabled bool   `json:"coverage_enabled"`
}

type ClickObserver interface {
	RecordCheckoutClick(choice, outcome string)
}

type Handler struct {
	guards   *Guards
	log      *slog.Logger
	observer ClickObserver
}

type HandlerOption func(*Handler)

func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func WithObserver(o ClickObserver) HandlerOption {
	return func(h *Handler) { h.observer = o }
}

func NewHandler(guards *Guards, opts ...HandlerOption) *Handler {
	h := &Handler{guards: guards, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Click runs the operation for choice on the session identified by key.
// Operation failures and timeouts are logged and reported as coverage not
// enabled; only a click rejected by the guard returns an error.
func (h *Handler) Click(ctx context.Context, key string, cov Coverage, choice Choice) (Result, error) {
	log := h.log.With(slog.String("session_id", key), slog.String("choice", string(choice)))

	var enabled atomic.Bool
	var op func(context.Context) error
	switch choice {
	case ChoiceCoverage:
		op = func(ctx context.Context) error {
			ok, err := cov.Enable(ctx)
			enabled.Store(ok)
			return err
		}
	case ChoiceNonCoverage:
		op = func(ctx context.Context) error {
			_, err := cov.Disable(ctx)
			return err
		}
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}

	err := h.guards.For(key).Do(ctx, op)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrBusy):
		h.observe(choice, "busy")
		return Result{}, err
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
		log.WarnContext(ctx, "checkout operation timed out; redirecting anyway")
	case err != nil:
		outcome = "failed"
		log.ErrorContext(ctx, "checkout operation failed; redirecting anyway", "error", err)
	}
	h.observe(choice, outcome)

	res := Result{CoverageEnabled: err == nil && enabled.Load()}
	if c := cov.Cart(); c != nil {
		res.RedirectURL = c.CheckoutURL
	}
	return res, nil
}

// Toggle runs enable or disable on the session identified by key under the
// same guard as Click, so no two coverage operations on one cart overlap.
// [ErrBusy] is returned when another operation holds the guard.
func (h *Handler) Toggle(ctx context.Context, key string, cov Coverage, enable bool) (bool, error) {
	var done atomic.Bool
	err := h.guards.For(key).Exclusive(ctx, func(ctx context.Context) error {
		op := cov.Disable
		if enable {
			op = cov.Enable
		}
		ok, err := op(ctx)
		done.Store(ok)
		return err
	})
	if err != nil {
		return false, err
	}
	return done.Load(), nil
}

func (h *Handler) observe(choice Choice, outcome string) {
	if h.observer != nil {
		h.observer.RecordCheckoutClick(string(choice), outcome)
	}
}
