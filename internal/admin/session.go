package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookieName  = "cartcover_admin_session"
	csrfCookieName     = "cartcover_csrf"
	sessionDuration    = 12 * time.Hour
	csrfTokenLength    = 32
	sessionTokenLength = 32
	maxLoginAttempts   = 5
	loginWindow        = 15 * time.Minute
	maxTrackedIPs      = 10000
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidCSRF  = errors.New("invalid CSRF token")
)

// Session is an authenticated operator session.
type Session struct {
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager authenticates the operator against a single Argon2id hash
// and keeps sessions in memory. Sessions do not survive a restart.
type SessionManager struct {
	passwordHash string
	now          func() time.Time

	mu            sync.Mutex
	sessions      map[string]Session
	loginAttempts map[string][]time.Time
	apiKeyFlashes map[string]apiKeyFlash
}

// apiKeyFlash carries a newly issued secret across the post-create redirect.
type apiKeyFlash struct {
	keyID  string
	secret string
}

func NewSessionManager(passwordHash string) *SessionManager {
	return &SessionManager{
		passwordHash:  passwordHash,
		now:           time.Now,
		sessions:      make(map[string]Session),
		loginAttempts: make(map[string][]time.Time),
		apiKeyFlashes: make(map[string]apiKeyFlash),
	}
}

// Authenticate reports whether password matches the configured hash.
func (m *SessionManager) Authenticate(password string) bool {
	ok, err := VerifyPassword(password, m.passwordHash)
	return err == nil && ok
}

// GenerateSession creates a session and returns the raw token for the cookie.
// Only the token's SHA-256 digest is held in memory.
func (m *SessionManager) GenerateSession() (string, Session, error) {
	rawToken, err := randomToken(sessionTokenLength)
	if err != nil {
		return "", Session{}, fmt.Errorf("generate session token: %w", err)
	}
	csrfToken, err := randomToken(csrfTokenLength)
	if err != nil {
		return "", Session{}, fmt.Errorf("generate csrf token: %w", err)
	}

	now := m.now()
	session := Session{
		CSRFToken: csrfToken,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionDuration),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked(now)
	m.sessions[hashToken(rawToken)] = session
	return rawToken, session, nil
}

// ValidateSession returns the session for a cookie token.
func (m *SessionManager) ValidateSession(rawToken string) (Session, error) {
	if rawToken == "" {
		return Session{}, ErrUnauthorized
	}

	key := hashToken(rawToken)
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[key]
	if !ok {
		return Session{}, ErrUnauthorized
	}
	if !m.now().Before(session.ExpiresAt) {
		delete(m.sessions, key)
		return Session{}, ErrUnauthorized
	}
	return session, nil
}

func (m *SessionManager) InvalidateSession(rawToken string) {
	key := hashToken(rawToken)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	for flashKey := range m.apiKeyFlashes {
		if len(flashKey) > len(key) && flashKey[:len(key)] == key {
			delete(m.apiKeyFlashes, flashKey)
		}
	}
}

// SetAPIKeyFlash stashes a new key for one read by the same session.
func (m *SessionManager) SetAPIKeyFlash(rawToken, storeID, keyID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeyFlashes[flashKey(rawToken, storeID)] = apiKeyFlash{keyID: keyID, secret: secret}
}

// PopAPIKeyFlash returns and forgets the stashed key.
func (m *SessionManager) PopAPIKeyFlash(rawToken, storeID string) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := flashKey(rawToken, storeID)
	flash, ok := m.apiKeyFlashes[key]
	if !ok {
		return "", "", false
	}
	delete(m.apiKeyFlashes, key)
	return flash.keyID, flash.secret, true
}

func flashKey(rawToken, storeID string) string {
	return hashToken(rawToken) + "/" + storeID
}

// SetSessionCookie writes the session cookie. Secure is left off: the portal
// is only reachable over the tailnet.
func (m *SessionManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  m.now().Add(sessionDuration),
	})
}

func (m *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// CheckLoginRateLimit returns true if the IP may attempt another login.
func (m *SessionManager) CheckLoginRateLimit(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts, ok := m.loginAttempts[ip]
	if !ok {
		return true
	}

	now := m.now()
	valid := attempts[:0]
	for _, t := range attempts {
		if now.Sub(t) < loginWindow {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(m.loginAttempts, ip)
		return true
	}
	m.loginAttempts[ip] = valid

	return len(valid) < maxLoginAttempts
}

// RecordLoginAttempt adds a failed login attempt for the IP.
func (m *SessionManager) RecordLoginAttempt(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, tracked := m.loginAttempts[ip]; !tracked && len(m.loginAttempts) >= maxTrackedIPs {
		return
	}
	m.loginAttempts[ip] = append(m.loginAttempts[ip], m.now())
}

func (m *SessionManager) pruneExpiredLocked(now time.Time) {
	for key, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, key)
		}
	}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
