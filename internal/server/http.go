// Package server exposes coverage sessions over HTTP and serves the gRPC
// health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/cartcover/internal/checkout"
	"github.com/matt-riley/cartcover/internal/core"
	"github.com/matt-riley/cartcover/internal/coverage"
	"github.com/matt-riley/cartcover/internal/metrics"
	"github.com/matt-riley/cartcover/internal/middleware"
	"github.com/matt-riley/cartcover/internal/pricing"
	"github.com/matt-riley/cartcover/internal/session"
)

const (
	defaultMaxJSONBodyBytes int64 = 1 << 20
	defaultLoadWait               = 10 * time.Second
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// Sessions is the session store behind the API.
type Sessions interface {
	Open(ctx context.Context, req session.OpenRequest) (*session.Session, error)
	Get(id string) (*session.Session, error)
	ReplaceCart(id string, c *core.Cart) (*session.Session, error)
	Close(id string) error
}

// ButtonSource supplies the checkout button fragments for a store.
type ButtonSource interface {
	CheckoutButtons(ctx context.Context, storeID string) (*pricing.Buttons, error)
}

// Clicker resolves checkout button clicks and serializes the coverage
// toggles of each session with them.
type Clicker interface {
	Click(ctx context.Context, key string, cov checkout.Coverage, choice checkout.Choice) (checkout.Result, error)
	Toggle(ctx context.Context, key string, cov checkout.Coverage, enable bool) (bool, error)
}

// Pinger reports backing store health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	sessions        Sessions
	buttons         ButtonSource
	clicks          Clicker
	metrics         *metrics.Metrics
	recorder        coverage.Recorder
	pinger          Pinger
	vendor          string
	locale          string
	maxJSONBodySize int64
	loadWait        time.Duration
}

type HTTPOption func(*HTTPServer)

// WithMetrics instruments routes and coverage calls and serves /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithRecorder persists every enable and disable outcome.
func WithRecorder(r coverage.Recorder) HTTPOption {
	return func(s *HTTPServer) { s.recorder = r }
}

func WithPinger(p Pinger) HTTPOption {
	return func(s *HTTPServer) { s.pinger = p }
}

func WithVendor(vendor string) HTTPOption {
	return func(s *HTTPServer) {
		if vendor != "" {
			s.vendor = vendor
		}
	}
}

// WithPriceLocale sets the BCP 47 locale used for rendered prices.
func WithPriceLocale(locale string) HTTPOption {
	return func(s *HTTPServer) {
		if locale != "" {
			s.locale = locale
		}
	}
}

// WithMaxJSONBodySize sets the maximum allowed JSON request body size in bytes.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithLoadWait bounds how long GET ?wait=true blocks for pricing.
func WithLoadWait(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.loadWait = d
		}
	}
}

// NewHTTPHandler returns the gateway API. Routes under /v1/ expect the
// authenticated store id on the request context; wrap them with
// [middleware.HTTPBearerAuthMiddleware].
func NewHTTPHandler(sessions Sessions, buttons ButtonSource, clicks Clicker, opts ...HTTPOption) http.Handler {
	if sessions == nil || clicks == nil {
		panic("server: sessions and clicks are required")
	}

	s := &HTTPServer{
		sessions:        sessions,
		buttons:         buttons,
		clicks:          clicks,
		vendor:          core.DefaultVendor,
		locale:          "en-US",
		maxJSONBodySize: defaultMaxJSONBodyBytes,
		loadWait:        defaultLoadWait,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PUT /v1/sessions/{id}/cart", s.handleReplaceCart)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /v1/sessions/{id}/enable", s.handleEnable)
	mux.HandleFunc("POST /v1/sessions/{id}/disable", s.handleDisable)
	mux.HandleFunc("POST /v1/sessions/{id}/checkout", s.handleCheckout)
	mux.HandleFunc("GET /v1/sessions/{id}/buttons", s.handleButtons)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
		return s.metrics.HTTPMiddleware(mux)
	}
	return mux
}

type openSessionRequest struct {
	Cart       *core.Cart `json:"cart"`
	CartCookie string     `json:"cart_cookie,omitempty"`
}

type replaceCartRequest struct {
	Cart *core.Cart `json:"cart"`
}

type checkoutRequest struct {
	Choice string `json:"choice"`
}

type operationResponse struct {
	OK bool `json:"ok"`
}

type sessionResponse struct {
	ID             string                  `json:"id"`
	StoreID        string                  `json:"store_id"`
	Loading        bool                    `json:"loading"`
	Eligible       bool                    `json:"eligible"`
	Enabled        bool                    `json:"enabled"`
	Price          float64                 `json:"price"`
	FormattedPrice string                  `json:"formatted_price,omitempty"`
	CartProduct    *core.SelectedVariant   `json:"cart_product,omitempty"`
	CartAttribute  string                  `json:"cart_attribute,omitempty"`
	CheckoutURL    string                  `json:"checkout_url,omitempty"`
	CartStale      bool                    `json:"cart_stale"`
	Errors         []pricing.RecordedError `json:"errors"`
	CreatedAt      time.Time               `json:"created_at"`
}

func (s *HTTPServer) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.StoreIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req openSessionRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	sess, err := s.sessions.Open(r.Context(), session.OpenRequest{
		StoreID:    storeID,
		Cart:       req.Cart,
		CartCookie: req.CartCookie,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, s.view(sess))
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), s.loadWait)
		err := sess.WaitLoaded(ctx)
		cancel()
		if err != nil && r.Context().Err() != nil {
			s.writeServiceError(w, r, r.Context().Err())
			return
		}
	}

	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *HTTPServer) handleReplaceCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req replaceCartRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	sess, err := s.sessions.ReplaceCart(sess.ID(), req.Cart)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *HTTPServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	if err := s.sessions.Close(sess.ID()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.handleOperation(w, r, true)
}

func (s *HTTPServer) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.handleOperation(w, r, false)
}

// handleOperation reports mutation failures as ok=false; the client has
// already logged and recorded them. A concurrent operation on the same
// session or a stale cart snapshot is a conflict.
func (s *HTTPServer) handleOperation(w http.ResponseWriter, r *http.Request, enable bool) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	done, err := s.clicks.Toggle(r.Context(), sess.ID(), s.coverageFor(r.Context(), sess), enable)
	switch {
	case errors.Is(err, checkout.ErrBusy), errors.Is(err, coverage.ErrStaleCart):
		s.writeServiceError(w, r, err)
		return
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, operationResponse{OK: err == nil && done})
}

func (s *HTTPServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	choice, err := checkout.ParseChoice(req.Choice)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	result, err := s.clicks.Click(r.Context(), sess.ID(), s.coverageFor(r.Context(), sess), choice)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleButtons(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if s.buttons == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	buttons, err := s.buttons.CheckoutButtons(r.Context(), sess.StoreID())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if buttons == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, pricing.RenderButtons(buttons, sess.Cart(), sess.Descriptor(), s.vendor, s.locale))
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			middleware.LoggerFromContext(r.Context()).Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// session loads the path's session and hides sessions owned by other stores.
func (s *HTTPServer) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	storeID, ok := middleware.StoreIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "session id is required")
		return nil, false
	}

	sess, err := s.sessions.Get(id)
	if err == nil && sess.StoreID() != storeID {
		err = session.ErrSessionNotFound
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *HTTPServer) coverageFor(ctx context.Context, sess *session.Session) *coverage.Client {
	opts := []coverage.Option{
		coverage.WithReconciler(sess.Reconciler()),
		coverage.WithSessionID(sess.ID()),
		coverage.WithLogger(middleware.LoggerFromContext(ctx)),
		coverage.WithRecorder(s.recorder),
	}
	if s.metrics != nil {
		opts = append(opts, coverage.WithObserver(s.metrics))
	}
	return coverage.New(sess, sess.Mutator(), opts...)
}

func (s *HTTPServer) view(sess *session.Session) sessionResponse {
	resp := sessionResponse{
		ID:        sess.ID(),
		StoreID:   sess.StoreID(),
		Loading:   sess.Loading(),
		CartStale: sess.CartStale(),
		Errors:    sess.Errors().Entries(),
		CreatedAt: sess.CreatedAt(),
	}
	if resp.Errors == nil {
		resp.Errors = []pricing.RecordedError{}
	}
	if c := sess.Cart(); c != nil {
		resp.CheckoutURL = c.CheckoutURL
		resp.Enabled = core.HasVendorLine(c, sess.Reconciler().Vendor())
	}
	if d := sess.Descriptor(); d != nil {
		variant := d.SelectedVariant
		resp.Eligible = true
		resp.Price = variant.Price.Float64()
		resp.FormattedPrice = pricing.FormatPrice(resp.Price, variant.Price.CurrencyCode, s.locale)
		resp.CartProduct = &variant
		resp.CartAttribute = d.CartAttribute
	}
	return resp
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := serviceErrorStatus(err)
	if status >= http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).Error("request failed", "error", err)
	}
	writeJSONError(w, status, serviceErrorMessage(err))
}

func serviceErrorStatus(err error) int {
	var lookupErr *pricing.LookupError
	switch {
	case errors.Is(err, session.ErrStoreRequired), errors.Is(err, checkout.ErrUnknownChoice):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrBusy), errors.Is(err, coverage.ErrStaleCart):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.As(err, &lookupErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func serviceErrorMessage(err error) string {
	var lookupErr *pricing.LookupError
	switch {
	case errors.Is(err, session.ErrStoreRequired):
		return "store id is required"
	case errors.Is(err, checkout.ErrUnknownChoice):
		return "unknown checkout choice"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, checkout.ErrBusy):
		return "another coverage operation is in progress"
	case errors.Is(err, coverage.ErrStaleCart):
		return "cart snapshot is stale; post the current cart"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.As(err, &lookupErr):
		return "pricing service unavailable"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
