// Package session implements the session state machine: sign-in, sign-up,
// refresh, logout and invalidation against an identity provider and a
// credential store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	methodSignIn = "sign_in"
	methodSignUp = "sign_up"
)

var allStates = []string{
	segunda.LoggedOut.String(),
	segunda.Authenticating.String(),
	segunda.LoggedIn.String(),
	segunda.Refreshing.String(),
}

// Manager implements segunda.SessionService.
//
// Transitions are serialized by mu. Provider and store calls for sign-in and
// refresh run with the state marked Authenticating or Refreshing; epoch is
// bumped by every logout, invalidation and new sign-in so a result that was
// overtaken is discarded.
type Manager struct {
	store    segunda.CredentialStore
	provider segunda.IdentityProvider
	events   segunda.EventPublisher
	logger   *slog.Logger
	metrics  *metrics.Metrics

	minPasswordLength int
	refreshBuffer     time.Duration
	refreshTimeout    time.Duration
	now               func() time.Time

	mu       sync.Mutex
	state    segunda.State
	session  *segunda.Session
	epoch    uint64
	profiles segunda.ProfileFetcher

	sf singleflight.Group
}

// compile-time check
var _ segunda.SessionService = (*Manager)(nil)

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEventPublisher sets where SessionChanged events go.
func WithEventPublisher(p segunda.EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithProfileFetcher sets the profile source used after sign-in.
func WithProfileFetcher(f segunda.ProfileFetcher) Option {
	return func(m *Manager) { m.profiles = f }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithMinPasswordLength sets the sign-up password policy. Default: 6.
func WithMinPasswordLength(n int) Option {
	return func(m *Manager) { m.minPasswordLength = n }
}

// WithRefreshBuffer sets how long before expiry Token refreshes. Default: 5 minutes.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) { m.refreshBuffer = d }
}

// WithRefreshTimeout bounds a shared refresh. Default: segunda.DefaultRequestTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager in the LoggedOut state. Call Restore to pick up a
// persisted session.
func New(store segunda.CredentialStore, provider segunda.IdentityProvider, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		provider:          provider,
		logger:            slog.New(slog.DiscardHandler),
		minPasswordLength: segunda.DefaultMinPasswordLength,
		refreshBuffer:     segunda.DefaultRefreshBuffer,
		refreshTimeout:    segunda.DefaultRequestTimeout,
		now:               time.Now,
		state:             segunda.LoggedOut,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetProfileFetcher replaces the profile source. The gateway-backed fetcher
// depends on the manager, so it is usually attached after construction.
func (m *Manager) SetProfileFetcher(f segunda.ProfileFetcher) {
	m.mu.Lock()
	m.profiles = f
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() segunda.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *segunda.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// SignIn authenticates with email and password.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*segunda.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		m.metrics.RecordAuthFailure(methodSignIn, "validation")
		return nil, &segunda.ValidationError{Reason: "email and password are required"}
	}
	return m.authenticate(ctx, methodSignIn, func(ctx context.Context) (*segunda.Identity, error) {
		return m.provider.SignIn(ctx, email, password)
	})
}

// SignUp registers a new account. The password policy is checked before the
// provider is contacted.
func (m *Manager) SignUp(ctx context.Context, email, password, confirm string) (*segunda.Session, error) {
	email = strings.TrimSpace(email)
	if err := m.validateSignUp(email, password, confirm); err != nil {
		m.metrics.RecordAuthFailure(methodSignUp, "validation")
		return nil, err
	}
	return m.authenticate(ctx, methodSignUp, func(ctx context.Context) (*segunda.Identity, error) {
		return m.provider.SignUp(ctx, email, password)
	})
}

func (m *Manager) validateSignUp(email, password, confirm string) error {
	if email == "" || password == "" || confirm == "" {
		return &segunda.ValidationError{Reason: "all fields are required"}
	}
	if password != confirm {
		return &segunda.ValidationError{Field: "confirm", Reason: "passwords do not match"}
	}
	if utf8.RuneCountInString(password) < m.minPasswordLength {
		return &segunda.ValidationError{
			Field:  "password",
			Reason: fmt.Sprintf("must be at least %d characters long", m.minPasswordLength),
		}
	}
	return nil
}

func (m *Manager) authenticate(ctx context.Context, method string, call func(context.Context) (*segunda.Identity, error)) (*segunda.Session, error) {
	m.mu.Lock()
	switch m.state {
	case segunda.Authenticating, segunda.Refreshing:
		m.mu.Unlock()
		return nil, segunda.ErrAlreadyInProgress
	case segunda.LoggedIn:
		m.mu.Unlock()
		return nil, segunda.ErrAlreadyAuthenticated
	}
	m.metrics.RecordAuthAttempt(method)
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(segunda.Authenticating, method)
	m.mu.Unlock()

	id, err := call(ctx)
	if err == nil && (id == nil || id.Token == "") {
		err = errors.New("identity provider returned no token")
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Info("authentication overtaken by logout", "method", method)
		if err == nil {
			m.signOutProvider(ctx)
		}
		return nil, segunda.ErrUnauthenticated
	}
	if err != nil {
		m.setStateLocked(segunda.LoggedOut, method+" failed")
		m.mu.Unlock()
		m.recordAuthFailure(method, err)
		m.logger.Info("authentication failed", "method", method, "err", err)
		return nil, fmt.Errorf("segunda/session: %s: %w", method, err)
	}

	sess := m.newSession(id)
	if err := m.store.Put(ctx, sess); err != nil {
		m.setStateLocked(segunda.LoggedOut, "persist session failed")
		m.mu.Unlock()
		m.recordAuthFailure(method, err)
		m.logger.Error("persisting session failed", "method", method, "user_id", sess.UserID, "err", err)
		m.signOutProvider(ctx)
		return nil, fmt.Errorf("segunda/session: %s: %w", method, err)
	}
	m.session = sess
	m.setStateLocked(segunda.LoggedIn, method)
	m.mu.Unlock()

	m.logger.Info("signed in", "method", method, "user_id", sess.UserID)
	m.fetchProfile(ctx, epoch)

	if s := m.Session(); s != nil {
		return s, nil
	}
	return nil, segunda.ErrUnauthenticated
}

func (m *Manager) newSession(id *segunda.Identity) *segunda.Session {
	sess := &segunda.Session{
		Token:        id.Token,
		RefreshToken: id.RefreshToken,
		IssuedAt:     m.now(),
		ExpiresAt:    id.ExpiresAt,
		UserID:       id.UserID,
		Email:        id.Email,
	}
	if c, ok := parseClaims(id.Token); ok {
		if !c.expiresAt.IsZero() {
			sess.ExpiresAt = c.expiresAt
		}
		if sess.UserID == "" {
			sess.UserID = c.subject
		}
	}
	return sess
}

// fetchProfile caches the profile for the session established at epoch.
// Failures are logged and never end the session.
func (m *Manager) fetchProfile(ctx context.Context, epoch uint64) {
	m.mu.Lock()
	fetcher := m.profiles
	m.mu.Unlock()
	if fetcher == nil {
		return
	}

	profile, err := fetcher.FetchProfile(ctx)
	if err != nil {
		m.logger.Warn("profile fetch failed, continuing without profile", "err", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.session == nil || profile == nil {
		return
	}
	m.session.Profile = profile
	if err := m.store.PutProfile(ctx, profile); err != nil {
		m.logger.Warn("caching profile failed", "user_id", m.session.UserID, "err", err)
	}
}

// Refresh forces a new token from the provider. Concurrent calls share one
// provider call. A failed refresh ends the session.
//
// The shared call is bounded by the refresh timeout, not by any caller's
// context. A caller whose ctx ends first gets ctx.Err() and the refresh
// carries on for the others.
func (m *Manager) Refresh(ctx context.Context) (*segunda.Session, error) {
	ch := m.sf.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*segunda.Session).Clone(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("segunda/session: refresh: %w", ctx.Err())
	}
}

func (m *Manager) refresh(ctx context.Context) (*segunda.Session, error) {
	m.mu.Lock()
	if m.session == nil || m.state != segunda.LoggedIn {
		m.mu.Unlock()
		return nil, segunda.ErrUnauthenticated
	}
	epoch := m.epoch
	m.setStateLocked(segunda.Refreshing, "refresh")
	m.mu.Unlock()

	token, err := m.provider.IDToken(ctx, true)
	if err == nil && token == "" {
		err = errors.New("identity provider returned an empty token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.session == nil {
		return nil, segunda.ErrUnauthenticated
	}
	if err != nil {
		m.metrics.RecordRefresh("failure")
		m.logger.Warn("token refresh failed, ending session", "user_id", m.session.UserID, "err", err)
		m.dropLocked(ctx, "refresh failed")
		return nil, fmt.Errorf("segunda/session: refresh: %w", err)
	}

	next := m.session.Clone()
	next.Token = token
	next.IssuedAt = m.now()
	next.ExpiresAt = time.Time{}
	if c, ok := parseClaims(token); ok {
		next.ExpiresAt = c.expiresAt
	}
	if err := m.store.Put(ctx, next); err != nil {
		m.metrics.RecordRefresh("failure")
		m.logger.Error("persisting refreshed session failed", "user_id", next.UserID, "err", err)
		m.dropLocked(ctx, "persist session failed")
		return nil, fmt.Errorf("segunda/session: refresh: %w", err)
	}
	m.session = next
	m.setStateLocked(segunda.LoggedIn, "refresh")
	m.metrics.RecordRefresh("success")
	return next, nil
}

// Token returns the current token. A token within the refresh buffer of its
// expiry is refreshed first; a refresh already in flight is joined.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return "", segunda.ErrUnauthenticated
	}
	token := m.session.Token
	expiresAt := m.session.ExpiresAt
	refreshing := m.state == segunda.Refreshing
	m.mu.Unlock()

	if refreshing || m.expiring(expiresAt) {
		s, err := m.Refresh(ctx)
		if err != nil {
			return "", err
		}
		return s.Token, nil
	}
	return token, nil
}

func (m *Manager) expiring(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !m.now().Before(expiresAt.Add(-m.refreshBuffer))
}

// Logout ends the session. The store is cleared even when the remote
// sign-out fails; only a store failure is returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	userID := ""
	if m.session != nil {
		userID = m.session.UserID
	}
	m.epoch++
	m.session = nil
	err := m.store.Clear(context.WithoutCancel(ctx))
	m.setStateLocked(segunda.LoggedOut, "logout")
	m.mu.Unlock()

	m.signOutProvider(ctx)
	m.logger.Info("logged out", "user_id", userID)

	if err != nil {
		m.logger.Error("clearing credentials failed", "err", err)
		return fmt.Errorf("segunda/session: logout: %w", err)
	}
	return nil
}

// Invalidate forces LoggedOut from any state, e.g. after a 401. The store is
// always cleared; an event is published only if a session was active.
func (m *Manager) Invalidate(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == segunda.LoggedOut {
		m.epoch++
		if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("segunda/session: invalidate: %w", err)
		}
		return nil
	}

	m.metrics.RecordInvalidation(reason)
	m.logger.Warn("session invalidated", "reason", reason, "state", m.state.String())
	if err := m.dropLocked(ctx, reason); err != nil {
		return fmt.Errorf("segunda/session: invalidate: %w", err)
	}
	return nil
}

// InvalidateIfMissing ends an active session whose stored copy is gone, e.g.
// after the credential file was deleted by another process. It reports
// whether the session was ended. Nothing happens unless the state is
// LoggedIn, so removals caused by this manager's own logout or invalidation
// are ignored, as is a slot that a later sign-in has already rewritten.
func (m *Manager) InvalidateIfMissing(ctx context.Context, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != segunda.LoggedIn || m.session == nil {
		return false, nil
	}
	stored, err := m.store.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("segunda/session: invalidate: %w", err)
	}
	if stored != nil {
		return false, nil
	}

	m.metrics.RecordInvalidation(reason)
	m.logger.Warn("session invalidated", "reason", reason, "state", m.state.String())
	if err := m.dropLocked(ctx, reason); err != nil {
		return true, fmt.Errorf("segunda/session: invalidate: %w", err)
	}
	return true, nil
}

// Restore loads a persisted session at startup. It returns nil when nothing
// is stored, and the current session when one is already active.
func (m *Manager) Restore(ctx context.Context) (*segunda.Session, error) {
	m.mu.Lock()
	if m.state != segunda.LoggedOut {
		s := m.session.Clone()
		m.mu.Unlock()
		return s, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	sess, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("segunda/session: restore: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	if r, ok := m.provider.(segunda.IdentityResumer); ok {
		err := r.Resume(ctx, segunda.Identity{
			UserID:       sess.UserID,
			Email:        sess.Email,
			Token:        sess.Token,
			RefreshToken: sess.RefreshToken,
			ExpiresAt:    sess.ExpiresAt,
		})
		if err != nil {
			m.logger.Warn("resuming identity failed, discarding stored session", "user_id", sess.UserID, "err", err)
			if cerr := m.store.Clear(ctx); cerr != nil {
				m.logger.Error("clearing credentials failed", "err", cerr)
			}
			return nil, fmt.Errorf("segunda/session: restore: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.state != segunda.LoggedOut {
		return m.session.Clone(), nil
	}
	m.epoch++
	m.session = sess
	m.setStateLocked(segunda.LoggedIn, "restored")
	m.logger.Info("session restored", "user_id", sess.UserID)
	return sess.Clone(), nil
}

// dropLocked clears the session and the store. Must hold mu.
func (m *Manager) dropLocked(ctx context.Context, reason string) error {
	m.epoch++
	m.session = nil
	err := m.store.Clear(context.WithoutCancel(ctx))
	if err != nil {
		m.logger.Error("clearing credentials failed", "err", err)
	}
	m.setStateLocked(segunda.LoggedOut, reason)
	return err
}

// setStateLocked records a transition and publishes it. Must hold mu.
func (m *Manager) setStateLocked(next segunda.State, reason string) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.metrics.SetState(next.String(), allStates)

	userID := ""
	if m.session != nil {
		userID = m.session.UserID
	}
	m.logger.Debug("session state changed", "from", prev.String(), "state", next.String(), "reason", reason)
	if m.events != nil {
		m.events.Publish(segunda.SessionChanged{
			State:    next,
			Previous: prev,
			UserID:   userID,
			Reason:   reason,
			At:       m.now(),
		})
	}
}

func (m *Manager) signOutProvider(ctx context.Context) {
	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.Warn("remote sign-out failed", "err", err)
	}
}

func (m *Manager) recordAuthFailure(method string, err error) {
	reason := "error"
	var (
		ae *segunda.AuthError
		ne *segunda.NetworkError
		se *segunda.StorageError
	)
	switch {
	case errors.As(err, &ae):
		reason = ae.Kind.String()
	case errors.As(err, &ne):
		reason = "network"
	case errors.As(err, &se):
		reason = "storage"
	}
	m.metrics.RecordAuthFailure(method, reason)
}
