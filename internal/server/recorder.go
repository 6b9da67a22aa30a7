package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/matt-riley/cartcover/internal/coverage"
	"github.com/matt-riley/cartcover/internal/pricing"
	"github.com/matt-riley/cartcover/internal/repository"
	"github.com/matt-riley/cartcover/internal/session"
)

const recordTimeout = 3 * time.Second

// EventStore persists coverage diagnostics.
type EventStore interface {
	InsertCoverageEvent(ctx context.Context, e repository.CoverageEvent) error
	InsertPricingError(ctx context.Context, e repository.PricingError) error
}

// EventRecorder writes coverage outcomes and pricing failures to an
// [EventStore]. Write failures are logged and never reach the shopper.
type EventRecorder struct {
	store EventStore
	log   *slog.Logger
}

func NewEventRecorder(store EventStore, log *slog.Logger) *EventRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &EventRecorder{store: store, log: log}
}

// RecordOutcome implements [coverage.Recorder].
func (r *EventRecorder) RecordOutcome(ctx context.Context, o coverage.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	e := repository.CoverageEvent{
		SessionID:  o.SessionID,
		StoreID:    o.StoreID,
		Action:     string(o.Action),
		Result:     string(o.Result),
		IdleOK:     o.IdleOK,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	if err := r.store.InsertCoverageEvent(ctx, e); err != nil {
		r.log.Warn("failed to record coverage event", "error", err, "session_id", o.SessionID)
	}
}

// LookupFailed matches [session.Hooks].LookupFailed.
func (r *EventRecorder) LookupFailed(s *session.Session, lookupErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	kind := pricing.KindOf(lookupErr)
	if kind == "" {
		kind = pricing.KindUnknown
	}
	e := repository.PricingError{
		SessionID: s.ID(),
		StoreID:   s.StoreID(),
		Kind:      string(kind),
		Message:   lookupErr.Error(),
	}
	var le *pricing.LookupError
	if errors.As(lookupErr, &le) {
		e.StatusCode = le.StatusCode
		e.Message = le.Message
	}
	if err := r.store.InsertPricingError(ctx, e); err != nil {
		r.log.Warn("failed to record pricing error", "error", err, "session_id", s.ID())
	}
}
