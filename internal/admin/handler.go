// Package admin serves the operator portal: coverage diagnostics, store
// registration and API key issuance.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/cartcover/internal/middleware"
	"github.com/matt-riley/cartcover/internal/repository"
)

type adminContextKey string

const (
	sessionContextKey adminContextKey = "admin_session"
	tokenContextKey   adminContextKey = "admin_token"
)

const (
	adminAuditWriteTimeout = 2 * time.Second
	recentLimit            = 50
	auditPageSize          = 50
	summaryWindow          = 24 * time.Hour
	maxStoreIDLength       = 100
)

// Repository is the storage the portal reads and writes.
type Repository interface {
	ListStores(ctx context.Context) ([]repository.Store, error)
	GetStore(ctx context.Context, id string) (repository.Store, error)
	UpsertStore(ctx context.Context, id, name string) (repository.Store, error)
	ListAPIKeys(ctx context.Context, storeID string) ([]repository.APIKeyMeta, error)
	CreateAPIKey(ctx context.Context, storeID string) (string, string, error)
	RevokeAPIKey(ctx context.Context, storeID, keyID string) error
	ListCoverageEvents(ctx context.Context, storeID string, limit int) ([]repository.CoverageEvent, error)
	SummarizeCoverageEvents(ctx context.Context, since time.Time) ([]repository.OutcomeCount, error)
	ListPricingErrors(ctx context.Context, storeID string, limit int) ([]repository.PricingError, error)
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error)
}

type Handler struct {
	repo           Repository
	sessions       *SessionManager
	activeSessions func() int
	now            func() time.Time
	log            *slog.Logger
	mux            *http.ServeMux
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithActiveSessions reports the gateway's open session count on the
// dashboard.
func WithActiveSessions(fn func() int) Option {
	return func(h *Handler) { h.activeSessions = fn }
}

func NewHandler(repo Repository, sessionMgr *SessionManager, opts ...Option) *Handler {
	h := &Handler{
		repo:     repo,
		sessions: sessionMgr,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", h.handleLoginPage)
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("POST /logout", h.handleLogout)

	mux.HandleFunc("GET /{$}", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("GET /stores", h.requireAuth(h.handleStores))
	mux.HandleFunc("POST /stores", h.requireAuth(h.handleUpsertStore))
	mux.HandleFunc("GET /stores/{id}", h.requireAuth(h.handleStoreDetail))
	mux.HandleFunc("POST /stores/{id}/keys", h.requireAuth(h.handleCreateAPIKey))
	mux.HandleFunc("POST /stores/{id}/keys/{keyID}/revoke", h.requireAuth(h.handleRevokeAPIKey))
	mux.HandleFunc("GET /audit-log", h.requireAuth(h.handleAuditLog))

	mux.Handle("GET /static/", http.FileServer(http.FS(content)))

	return mux
}

// requireAuth ensures a valid session exists and validates the CSRF token on
// state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.sessions.ValidateSession(cookie.Value)
		if err != nil {
			h.sessions.ClearSessionCookie(w)
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		ctx = context.WithValue(ctx, tokenContextKey, cookie.Value)
		next(w, r.WithContext(ctx))
	}
}

func sessionFromContext(ctx context.Context) Session {
	s, _ := ctx.Value(sessionContextKey).(Session)
	return s
}

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	h.renderLogin(w, r, http.StatusOK, "")
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, status int, message string) {
	csrfToken, err := randomToken(csrfTokenLength)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	h.render(w, "login.html", map[string]any{
		"LoginCSRF": csrfToken,
		"Error":     message,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !validateDoubleSubmitCSRF(r) {
		http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
		return
	}

	ip := loginIP(r)
	if !h.sessions.CheckLoginRateLimit(ip) {
		h.renderLogin(w, r, http.StatusTooManyRequests, "Too many attempts. Please try again later.")
		return
	}

	if !h.sessions.Authenticate(r.FormValue("password")) {
		h.sessions.RecordLoginAttempt(ip)
		h.log.Warn("admin login failed", "ip", ip)
		h.renderLogin(w, r, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, _, err := h.sessions.GenerateSession()
	if err != nil {
		h.log.Error("failed to create admin session", "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	h.sessions.SetSessionCookie(w, token)
	h.logAudit(r.Context(), "admin_login", "", map[string]string{"ip": ip})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		h.sessions.InvalidateSession(cookie.Value)
	}
	h.sessions.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since := h.now().Add(-summaryWindow)

	summary, err := h.repo.SummarizeCoverageEvents(ctx, since)
	if err != nil {
		h.serverError(w, "summarize coverage events", err)
		return
	}
	events, err := h.repo.ListCoverageEvents(ctx, "", recentLimit)
	if err != nil {
		h.serverError(w, "list coverage events", err)
		return
	}
	pricingErrs, err := h.repo.ListPricingErrors(ctx, "", recentLimit)
	if err != nil {
		h.serverError(w, "list pricing errors", err)
		return
	}

	active := 0
	if h.activeSessions != nil {
		active = h.activeSessions()
	}

	h.render(w, "dashboard.html", map[string]any{
		"CSRFToken":      sessionFromContext(ctx).CSRFToken,
		"ActiveSessions": active,
		"Since":          since,
		"Summary":        summary,
		"Events":         events,
		"PricingErrors":  pricingErrs,
	})
}

func (h *Handler) handleStores(w http.ResponseWriter, r *http.Request) {
	h.renderStores(w, r, http.StatusOK, "")
}

func (h *Handler) renderStores(w http.ResponseWriter, r *http.Request, status int, message string) {
	stores, err := h.repo.ListStores(r.Context())
	if err != nil {
		h.serverError(w, "list stores", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	h.render(w, "stores.html", map[string]any{
		"CSRFToken": sessionFromContext(r.Context()).CSRFToken,
		"Stores":    stores,
		"Error":     message,
	})
}

func (h *Handler) handleUpsertStore(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.FormValue("id"))
	name := strings.TrimSpace(r.FormValue("name"))
	if msg := validateStoreID(id); msg != "" {
		h.renderStores(w, r, http.StatusBadRequest, msg)
		return
	}

	store, err := h.repo.UpsertStore(r.Context(), id, name)
	if err != nil {
		h.serverError(w, "upsert store", err)
		return
	}
	h.logAudit(r.Context(), "store_upsert", store.ID, map[string]string{"name": store.Name})

	http.Redirect(w, r, "/stores/"+store.ID, http.StatusFound)
}

func (h *Handler) handleStoreDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	token, _ := ctx.Value(tokenContextKey).(string)
	newKeyID, newSecret, _ := h.sessions.PopAPIKeyFlash(token, store.ID)

	keys, err := h.repo.ListAPIKeys(ctx, store.ID)
	if err != nil {
		h.serverError(w, "list api keys", err)
		return
	}
	events, err := h.repo.ListCoverageEvents(ctx, store.ID, recentLimit)
	if err != nil {
		h.serverError(w, "list coverage events", err)
		return
	}
	pricingErrs, err := h.repo.ListPricingErrors(ctx, store.ID, recentLimit)
	if err != nil {
		h.serverError(w, "list pricing errors", err)
		return
	}

	if newSecret != "" {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}
	h.render(w, "store.html", map[string]any{
		"CSRFToken":     sessionFromContext(ctx).CSRFToken,
		"Store":         store,
		"APIKeys":       keys,
		"NewKeyID":      newKeyID,
		"NewSecret":     newSecret,
		"Events":        events,
		"PricingErrors": pricingErrs,
	})
}

func (h *Handler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	keyID, secret, err := h.repo.CreateAPIKey(r.Context(), store.ID)
	if err != nil {
		h.serverError(w, "create api key", err)
		return
	}
	h.logAudit(r.Context(), "api_key_create", store.ID, map[string]string{"api_key_id": keyID})

	token, _ := r.Context().Value(tokenContextKey).(string)
	h.sessions.SetAPIKeyFlash(token, store.ID, keyID, secret)
	http.Redirect(w, r, "/stores/"+store.ID, http.StatusSeeOther)
}

func (h *Handler) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("id")
	keyID := r.PathValue("keyID")

	if err := h.repo.RevokeAPIKey(r.Context(), storeID, keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.NotFound(w, r)
			return
		}
		h.serverError(w, "revoke api key", err)
		return
	}
	h.logAudit(r.Context(), "api_key_revoke", storeID, map[string]string{"api_key_id": keyID})

	http.Redirect(w, r, "/stores/"+storeID, http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	// One extra row tells the template whether an older page exists.
	entries, err := h.repo.ListAuditLog(r.Context(), auditPageSize+1, (page-1)*auditPageSize)
	if err != nil {
		h.serverError(w, "list audit log", err)
		return
	}
	hasMore := len(entries) > auditPageSize
	if hasMore {
		entries = entries[:auditPageSize]
	}

	h.render(w, "audit_log.html", map[string]any{
		"CSRFToken": sessionFromContext(r.Context()).CSRFToken,
		"Entries":   entries,
		"Page":      page,
		"HasMore":   hasMore,
	})
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (repository.Store, bool) {
	store, err := h.repo.GetStore(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.NotFound(w, r)
			return repository.Store{}, false
		}
		h.serverError(w, "get store", err)
		return repository.Store{}, false
	}
	return store, true
}

func (h *Handler) render(w http.ResponseWriter, name string, data map[string]any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	if err := Render(w, name, data); err != nil {
		h.log.Error("render error", "template", name, "error", err)
	}
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.log.Error("admin request failed", "op", op, "error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// validateStoreID returns a user-facing message for an unusable id, or "".
func validateStoreID(id string) string {
	if id == "" || len(id) > maxStoreIDLength {
		return "Store ID must be between 1 and 100 characters"
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
			return "Store ID may only contain letters, digits, underscores, hyphens, and dots"
		}
	}
	return ""
}

// loginIP trusts proxy headers only from loopback or private peers.
func loginIP(r *http.Request) string {
	remote := middleware.ExtractIP(r.RemoteAddr)
	if ip := net.ParseIP(remote); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return remote
}

// validateDoubleSubmitCSRF checks the login form's token against the
// pre-authentication CSRF cookie.
func validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// logAudit writes an audit entry on a best-effort basis.
func (h *Handler) logAudit(ctx context.Context, action, storeID string, details any) {
	entry, err := buildAuditEntry(operatorActor, action, storeID, details)
	if err != nil {
		h.log.Error("audit log: marshal details", "error", err, "action", action, "store_id", storeID)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.repo.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed", "error", err, "action", action, "store_id", storeID)
	}
}
