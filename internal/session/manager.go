package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/cartcover/internal/cart"
	"github.com/matt-riley/cartcover/internal/core"
	"github.com/matt-riley/cartcover/internal/pricing"
)

const (
	DefaultTTL           = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreRequired   = errors.New("store id is required")
)

// OpenRequest describes the cart a new session tracks.
type OpenRequest struct {
	StoreID string
	Cart    *core.Cart
	// CartCookie is forwarded to the storefront cart route by form-submission
	// mutators.
	CartCookie string
}

// MutatorFactory builds the cart mutator for a new session.
type MutatorFactory func(req OpenRequest) (cart.Mutator, error)

// LookupResult labels the outcome of one pricing lookup.
type LookupResult string

const (
	LookupEligible    LookupResult = "eligible"
	LookupNotEligible LookupResult = "not_eligible"
	LookupCanceled    LookupResult = "canceled"
)

// Hooks receive session lifecycle events. Nil fields are ignored.
type Hooks struct {
	LookupDone      func(result LookupResult)
	LookupFailed    func(s *Session, err error)
	SessionsChanged func(open int)
	SessionClosed   func(id string)
}

type Manager struct {
	lookup      pricing.Lookup
	newMutator  MutatorFactory
	vendor      string
	ttl         time.Duration
	sweepEvery  time.Duration
	resetOnLoad bool
	log         *slog.Logger
	hooks       Hooks
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Manager)

// WithVendor sets the vendor marker used when clearing stale coverage lines.
func WithVendor(vendor string) Option {
	return func(m *Manager) {
		if vendor != "" {
			m.vendor = vendor
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithResetOnLoad removes any coverage line left over from an earlier visit
// once the first descriptor for a session arrives.
func WithResetOnLoad(enabled bool) Option {
	return func(m *Manager) { m.resetOnLoad = enabled }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

func NewManager(lookup pricing.Lookup, newMutator MutatorFactory, opts ...Option) *Manager {
	m := &Manager{
		lookup:      lookup,
		newMutator:  newMutator,
		vendor:      core.DefaultVendor,
		ttl:         DefaultTTL,
		sweepEvery:  defaultSweepInterval,
		resetOnLoad: true,
		log:         slog.Default(),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open creates a session for req and starts its pricing lookup in the
// background.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.StoreID == "" {
		return nil, ErrStoreRequired
	}
	mutator, err := m.newMutator(req)
	if err != nil {
		return nil, fmt.Errorf("create cart mutator: %w", err)
	}

	now := m.now()
	s := &Session{
		id:        uuid.NewString(),
		storeID:   req.StoreID,
		createdAt: now,
		lastUsed:  now,
		mutator:   mutator,
		errors:    pricing.NewErrorLog(),
	}
	s.tracked = &trackedMutator{Mutator: mutator, s: s}
	s.reconciler = core.NewReconciler(s.tracked,
		core.WithVendor(m.vendor),
		core.WithReconcilerLogger(m.log.With("session_id", s.id)),
	)

	m.mu.Lock()
	m.sessions[s.id] = s
	open := len(m.sessions)
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session opened",
		slog.String("session_id", s.id),
		slog.String("store_id", s.storeID),
		slog.String("cart_kind", string(mutator.Kind())),
	)
	m.sessionsChanged(open)
	m.startLoad(s, req.Cart)
	return s, nil
}

// Get returns the session with id and marks it as used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch(m.now())
	return s, nil
}

// ReplaceCart swaps the cart snapshot. Any lookup still running for the old
// cart is canceled and its result discarded.
func (m *Manager) ReplaceCart(id string, c *core.Cart) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	m.startLoad(s, c)
	return s, nil
}

func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	open := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.stop()
	m.log.Info("session closed", slog.String("session_id", id))
	if m.hooks.SessionClosed != nil {
		m.hooks.SessionClosed(id)
	}
	m.sessionsChanged(open)
	return nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run expires idle sessions until ctx is canceled, then closes the rest.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Info("expired idle sessions", slog.Int("count", n))
			}
		}
	}
}

// Sweep closes sessions unused for longer than the TTL and returns how many
// it closed.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.idleSince(now) > m.ttl {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range expired {
		if err := m.Close(id); err == nil {
			closed++
		}
	}
	return closed
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Close(id)
	}
}

func (m *Manager) startLoad(s *Session, c *core.Cart) {
	ctx, generation := s.begin(c)
	go m.load(ctx, s, generation, c)
}

func (m *Manager) load(ctx context.Context, s *Session, generation uint64, c *core.Cart) {
	log := m.log.With(slog.String("session_id", s.id), slog.String("store_id", s.storeID))

	var d *core.Descriptor
	result := LookupNotEligible
	if c != nil {
		got, err := m.lookup.CoverageProducts(ctx, s.storeID, c)
		switch {
		case err != nil && ctx.Err() != nil:
			m.lookupDone(LookupCanceled)
			return
		case err != nil:
			if s.errors.Record(err) {
				log.Warn("pricing lookup failed", "error", err)
			}
			if m.hooks.LookupFailed != nil {
				m.hooks.LookupFailed(s, err)
			}
			result = LookupResult(pricing.KindOf(err))
		case got != nil:
			d = got
			result = LookupEligible
		}
	}

	// Leftover coverage is cleared before the descriptor is published.
	if d != nil && m.resetOnLoad && s.claimReset(generation) {
		resetCtx := context.WithoutCancel(ctx)
		if err := s.reconciler.EnsureAbsent(resetCtx, s.Cart()); err != nil {
			log.Warn("failed to clear stale coverage line", "error", err)
		}
		s.tracked.WaitIdle(resetCtx)
	}

	if !s.finish(generation, d) {
		m.lookupDone(LookupCanceled)
		return
	}
	if c != nil {
		m.lookupDone(result)
	}
}

func (m *Manager) lookupDone(result LookupResult) {
	if result == "" {
		result = LookupResult(pricing.KindUnknown)
	}
	if m.hooks.LookupDone != nil {
		m.hooks.LookupDone(result)
	}
}

func (m *Manager) sessionsChanged(open int) {
	if m.hooks.SessionsChanged != nil {
		m.hooks.SessionsChanged(open)
	}
}
