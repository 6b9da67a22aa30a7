// Package repository provides PostgreSQL-backed persistence for stores, their
// API keys, and the coverage diagnostics the gateway records. It also handles
// LISTEN/NOTIFY-based key revocation so authentication caches drop revoked
// keys without polling the database.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel = "api_key_events"
	defaultListLimit     = 100
	maxListLimit         = 1000
)

// Store is a merchant store known to the gateway. ID is the store id the
// pricing service uses.
type Store struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	StoreID   string    `json:"store_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PostgresRepository implements store, API key, and diagnostics persistence
// backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "api_key_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for key revocations.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// UpsertStore creates the store or renames it if it already exists.
func (r *PostgresRepository) UpsertStore(ctx context.Context, id, name string) (Store, error) {
	var s Store
	err := r.pool.QueryRow(ctx, `
		INSERT INTO stores (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`, id, name).Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err != nil {
		return Store{}, fmt.Errorf("upsert store: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetStore(ctx context.Context, id string) (Store, error) {
	var s Store
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, created_at FROM stores WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err != nil {
		return Store{}, fmt.Errorf("get store: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListStores(ctx context.Context) ([]Store, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, created_at FROM stores ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	stores := make([]Store, 0)
	for rows.Next() {
		var s Store
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		stores = append(stores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stores rows: %w", err)
	}
	return stores, nil
}

// ValidateAPIKey returns the bcrypt hash and store id of an active key.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var storeID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, store_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &storeID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, storeID, nil
}

// CreateAPIKey issues a key for storeID and returns its id and the plaintext
// secret. The secret is only ever available here; the database keeps a bcrypt
// hash.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, storeID string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, store_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, storeID, "api-key-"+keyID[:8], string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns active keys for storeID, newest first. Secrets are never
// included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, storeID string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, store_id, name, created_at
		FROM api_keys
		WHERE store_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.StoreID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes a key and notifies listeners in the same
// transaction. Returns pgx.ErrNoRows (wrapped) if the key does not exist or is
// already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, storeID, keyID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revoke api key tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND store_id = $2 AND revoked_at IS NULL
	`, keyID, storeID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if err := revokeNoRows(commandTag); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, keyID); err != nil {
		return fmt.Errorf("notify api key revocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit revoke api key tx: %w", err)
	}
	return nil
}

// SubscribeKeyRevocations returns a channel that receives the id of every
// revoked key. The channel is closed when ctx is done.
func (r *PostgresRepository) SubscribeKeyRevocations(ctx context.Context) (<-chan string, error) {
	revocations := make(chan string, 16)

	go r.runRevocationListener(ctx, revocations)

	return revocations, nil
}

func (r *PostgresRepository) runRevocationListener(ctx context.Context, revocations chan<- string) {
	defer close(revocations)

	for {
		err := r.listenForRevocations(ctx, revocations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRevocations(ctx context.Context, revocations chan<- string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for key revocation: %w", err)
		}

		select {
		case revocations <- n.Payload:
		case <-ctx.Done():
			return nil
		}
	}
}

func revokeNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
