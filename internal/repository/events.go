package repository

import (
	"context"
	"fmt"
	"time"
)

// CoverageEvent is one recorded enable or disable call.
type CoverageEvent struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	StoreID    string    `json:"store_id"`
	Action     string    `json:"action"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	IdleOK     bool      `json:"idle_ok"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// PricingError is one failed pricing lookup.
type PricingError struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	StoreID    string    `json:"store_id"`
	Kind       string    `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutcomeCount aggregates coverage events by action and result.
type OutcomeCount struct {
	Action string `json:"action"`
	Result string `json:"result"`
	Count  int64  `json:"count"`
}

func (r *PostgresRepository) InsertCoverageEvent(ctx context.Context, e CoverageEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO coverage_events (session_id, store_id, action, result, error, idle_ok, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.SessionID, e.StoreID, e.Action, e.Result, e.Error, e.IdleOK, e.DurationMS)
	if err != nil {
		return fmt.Errorf("insert coverage event: %w", err)
	}
	return nil
}

// ListCoverageEvents returns the newest events, optionally for one store.
func (r *PostgresRepository) ListCoverageEvents(ctx context.Context, storeID string, limit int) ([]CoverageEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, store_id, action, result, error, idle_ok, duration_ms, created_at
		FROM coverage_events
		WHERE $1 = '' OR store_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, storeID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list coverage events: %w", err)
	}
	defer rows.Close()

	events := make([]CoverageEvent, 0)
	for rows.Next() {
		var e CoverageEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StoreID, &e.Action, &e.Result, &e.Error, &e.IdleOK, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coverage event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list coverage events rows: %w", err)
	}
	return events, nil
}

// SummarizeCoverageEvents counts events created at or after since.
func (r *PostgresRepository) SummarizeCoverageEvents(ctx context.Context, since time.Time) ([]OutcomeCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT action, result, COUNT(*)
		FROM coverage_events
		WHERE created_at >= $1
		GROUP BY action, result
		ORDER BY action, result
	`, since)
	if err != nil {
		return nil, fmt.Errorf("summarize coverage events: %w", err)
	}
	defer rows.Close()

	counts := make([]OutcomeCount, 0)
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.Action, &c.Result, &c.Count); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize coverage events rows: %w", err)
	}
	return counts, nil
}

func (r *PostgresRepository) InsertPricingError(ctx context.Context, e PricingError) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pricing_errors (session_id, store_id, kind, status_code, message)
		VALUES ($1, $2, $3, $4, $5)
	`, e.SessionID, e.StoreID, e.Kind, e.StatusCode, e.Message)
	if err != nil {
		return fmt.Errorf("insert pricing error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListPricingErrors(ctx context.Context, storeID string, limit int) ([]PricingError, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, store_id, kind, status_code, message, created_at
		FROM pricing_errors
		WHERE $1 = '' OR store_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, storeID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pricing errors: %w", err)
	}
	defer rows.Close()

	out := make([]PricingError, 0)
	for rows.Next() {
		var e PricingError
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StoreID, &e.Kind, &e.StatusCode, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pricing error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pricing errors rows: %w", err)
	}
	return out, nil
}

// PruneBefore deletes diagnostics older than cutoff and returns how many rows
// went.
func (r *PostgresRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	events, err := r.pool.Exec(ctx, `DELETE FROM coverage_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune coverage events: %w", err)
	}
	errs, err := r.pool.Exec(ctx, `DELETE FROM pricing_errors WHERE created_at < $1`, cutoff)
	if err != nil {
		return events.RowsAffected(), fmt.Errorf("prune pricing errors: %w", err)
	}
	return events.RowsAffected() + errs.RowsAffected(), nil
}
