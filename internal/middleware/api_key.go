package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyHashCost = bcrypt.DefaultCost

	// DefaultKeyCacheTTL bounds how long a verified key skips bcrypt.
	DefaultKeyCacheTTL = 5 * time.Minute
)

// ErrInvalidAPIKey is returned for malformed, unknown, revoked or mismatched
// keys.
var ErrInvalidAPIKey = errors.New("invalid api key")

// KeyStore looks up an active key by id and returns its bcrypt hash and store.
type KeyStore interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, storeID string, err error)
}

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares a secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

type verifiedKey struct {
	storeID   string
	digest    [sha256.Size]byte
	expiresAt time.Time
}

// KeyValidator validates "id.secret" bearer tokens against a [KeyStore].
// Successful verifications are cached by key id so steady traffic does not pay
// the bcrypt cost on every request; revoked keys are dropped via [Invalidate].
type KeyValidator struct {
	store KeyStore
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu       sync.Mutex
	verified map[string]verifiedKey
}

func NewKeyValidator(store KeyStore, ttl time.Duration, log *slog.Logger) *KeyValidator {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &KeyValidator{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		log:      log,
		verified: make(map[string]verifiedKey),
	}
}

// ValidateToken implements [TokenValidator].
func (v *KeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", ErrInvalidAPIKey
	}
	digest := sha256.Sum256([]byte(secret))

	v.mu.Lock()
	cached, hit := v.verified[keyID]
	v.mu.Unlock()
	if hit && v.now().Before(cached.expiresAt) {
		if subtle.ConstantTimeCompare(cached.digest[:], digest[:]) == 1 {
			return cached.storeID, nil
		}
		return "", ErrInvalidAPIKey
	}

	hash, storeID, err := v.store.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAPIKey, err)
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", ErrInvalidAPIKey
	}

	v.mu.Lock()
	v.verified[keyID] = verifiedKey{storeID: storeID, digest: digest, expiresAt: v.now().Add(v.ttl)}
	v.mu.Unlock()
	return storeID, nil
}

// Invalidate drops a cached verification.
func (v *KeyValidator) Invalidate(keyID string) {
	v.mu.Lock()
	delete(v.verified, keyID)
	v.mu.Unlock()
}

// RunInvalidation drops every key id received on revocations until the
// channel closes or ctx is done.
func (v *KeyValidator) RunInvalidation(ctx context.Context, revocations <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case keyID, ok := <-revocations:
			if !ok {
				return
			}
			v.Invalidate(keyID)
			v.log.Info("api key revoked", "api_key_id", keyID)
		}
	}
}
