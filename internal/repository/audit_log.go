package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records an action taken through the admin portal.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	StoreID   string          `json:"store_id,omitempty"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (store_id, actor, action, details)
		VALUES ($1, $2, $3, $4)
	`, entry.StoreID, entry.Actor, entry.Action, ensureJSON(entry.Details, "{}"))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns entries newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, store_id, actor, action, details, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.StoreID, &e.Actor, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return entries, nil
}
