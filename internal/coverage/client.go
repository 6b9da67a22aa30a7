// Package coverage exposes enable and disable for one shopper's cart: it keeps
// the coverage line and the opt-in cart attribute in step with the shopper's
// choice.
package coverage

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/cartcover/internal/cart"
	"github.com/matt-riley/cartcover/internal/core"
)

const tracerName = "github.com/matt-riley/cartcover/internal/coverage"

// ErrStaleCart is returned when the cart snapshot no longer reflects the
// cart, so a plan built from it could duplicate or miss a coverage line.
var ErrStaleCart = errors.New("cart snapshot is stale")

// StaleReporter is implemented by states that can tell when their cart
// snapshot has fallen behind the mutations issued against it.
type StaleReporter interface {
	CartStale() bool
}

// State is the session data a [Client] reads on every call.
type State interface {
	Loading() bool
	Descriptor() *core.Descriptor
	Cart() *core.Cart
	StoreID() string
}

type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

type Result string

const (
	ResultOK      Result = "ok"
	ResultSkipped Result = "skipped"
	ResultError   Result = "error"
)

// Outcome describes one finished enable or disable call.
type Outcome struct {
	SessionID string
	StoreID   string
	Action    Action
	Result    Result
	Err       error
	IdleOK    bool
	Duration  time.Duration
}

// Recorder receives every [Outcome].
type Recorder interface {
	RecordOutcome(ctx context.Context, o Outcome)
}

// Observer is the metrics surface the client reports to.
type Observer interface {
	RecordCoverageOperation(action, result string)
	RecordIdleWait(idle bool)
}

type Client struct {
	state      State
	mutator    cart.Mutator
	reconciler *core.Reconciler
	sessionID  string
	log        *slog.Logger
	recorders  []Recorder
	observer   Observer
	tracer     trace.Tracer
}

type Option func(*Client)

// WithReconciler shares a reconciler (and its vendor marker) with the caller.
func WithReconciler(r *core.Reconciler) Option {
	return func(c *Client) {
		if r != nil {
			c.reconciler = r
		}
	}
}

func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorders = append(c.recorders, r)
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func New(state State, mutator cart.Mutator, opts ...Option) *Client {
	c := &Client{
		state:   state,
		mutator: mutator,
		log:     slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reconciler == nil {
		c.reconciler = core.NewReconciler(mutator, core.WithReconcilerLogger(c.log))
	}
	return c
}

// Enable adds the coverage line and records the opt-in. It returns false
// without touching the cart while pricing is loading or when the cart is not
// eligible. Mutation errors are returned unchanged.
func (c *Client) Enable(ctx context.Context) (bool, error) {
	return c.run(ctx, ActionEnable, func(ctx context.Context, d *core.Descriptor) error {
		return c.reconciler.EnsurePresent(ctx, c.state.Cart(), d)
	})
}

// Disable removes every coverage line and records the opt-out. It returns
// false when no pricing data was ever loaded.
func (c *Client) Disable(ctx context.Context) (bool, error) {
	return c.run(ctx, ActionDisable, func(ctx context.Context, _ *core.Descriptor) error {
		return c.reconciler.EnsureAbsent(ctx, c.state.Cart())
	})
}

func (c *Client) run(ctx context.Context, action Action, reconcile func(context.Context, *core.Descriptor) error) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "coverage."+string(action),
		trace.WithAttributes(
			attribute.String("cartcover.session_id", c.sessionID),
			attribute.String("cartcover.store_id", c.state.StoreID()),
		),
	)
	defer span.End()

	start := time.Now()
	outcome := Outcome{SessionID: c.sessionID, StoreID: c.state.StoreID(), Action: action}

	d := c.state.Descriptor()
	if d == nil || (action == ActionEnable && c.state.Loading()) {
		outcome.Result = ResultSkipped
		c.report(ctx, span, outcome, start)
		return false, nil
	}

	if sr, ok := c.state.(StaleReporter); ok && sr.CartStale() {
		outcome.Result, outcome.Err = ResultError, ErrStaleCart
		c.report(ctx, span, outcome, start)
		return false, ErrStaleCart
	}

	if err := reconcile(ctx, d); err != nil {
		outcome.Result, outcome.Err = ResultError, err
		c.report(ctx, span, outcome, start)
		return false, err
	}

	enabled := action == ActionEnable
	attr := core.Attribute{Key: d.AttributeKey(), Value: strconv.FormatBool(enabled)}
	if err := c.mutator.AttributesUpdate(ctx, []core.Attribute{attr}); err != nil {
		outcome.Result, outcome.Err = ResultError, err
		c.report(ctx, span, outcome, start)
		return false, err
	}

	outcome.IdleOK = c.mutator.WaitIdle(ctx)
	if c.observer != nil && c.mutator.Kind() == cart.KindDirectCall {
		c.observer.RecordIdleWait(outcome.IdleOK)
	}

	outcome.Result = ResultOK
	c.report(ctx, span, outcome, start)
	return true, nil
}

func (c *Client) report(ctx context.Context, span trace.Span, o Outcome, start time.Time) {
	o.Duration = time.Since(start)
	span.SetAttributes(attribute.String("cartcover.result", string(o.Result)))

	log := c.log.With(
		slog.String("session_id", o.SessionID),
		slog.String("store_id", o.StoreID),
		slog.String("action", string(o.Action)),
		slog.String("result", string(o.Result)),
		slog.Duration("duration", o.Duration),
	)
	switch o.Result {
	case ResultError:
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, o.Err.Error())
		log.ErrorContext(ctx, "coverage operation failed", "error", o.Err)
	case ResultOK:
		if !o.IdleOK {
			log.WarnContext(ctx, "coverage operation finished before cart settled")
		} else {
			log.InfoContext(ctx, "coverage operation completed")
		}
	default:
		log.DebugContext(ctx, "coverage operation skipped")
	}

	if c.observer != nil {
		c.observer.RecordCoverageOperation(string(o.Action), string(o.Result))
	}
	for _, r := range c.recorders {
		r.RecordOutcome(ctx, o)
	}
}

// Loading reports whether pricing data is still being fetched.
func (c *Client) Loading() bool { return c.state.Loading() }

// Price is the coverage price for the current cart, or zero when the cart is
// not eligible.
func (c *Client) Price() float64 {
	d := c.state.Descriptor()
	if d == nil {
		return 0
	}
	return d.SelectedVariant.Price.Float64()
}

// CartProduct is the coverage variant offered for the current cart.
func (c *Client) CartProduct() *core.SelectedVariant {
	d := c.state.Descriptor()
	if d == nil {
		return nil
	}
	v := d.SelectedVariant
	return &v
}

// CartAttribute is the opt-in attribute key the pricing service named, or ""
// when it named none.
func (c *Client) CartAttribute() string {
	d := c.state.Descriptor()
	if d == nil {
		return ""
	}
	return d.CartAttribute
}

func (c *Client) StoreID() string { return c.state.StoreID() }

func (c *Client) Cart() *core.Cart { return c.state.Cart() }

// Enabled reports whether the cart currently carries a coverage line.
func (c *Client) Enabled() bool {
	return core.HasVendorLine(c.state.Cart(), c.reconciler.Vendor())
}
