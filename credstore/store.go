package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	segunda "github.com/chimerakang/segunda-go"
)

// Default slot names.
const (
	SessionKey = "session_token"
	ProfileKey = "user_profile"
)

// Store implements segunda.CredentialStore over a KV.
type Store struct {
	kv         KV
	logger     *slog.Logger
	sessionKey string
	profileKey string
}

// compile-time check
var _ segunda.CredentialStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeys overrides the slot names.
func WithKeys(sessionKey, profileKey string) Option {
	return func(s *Store) {
		s.sessionKey = sessionKey
		s.profileKey = profileKey
	}
}

// New creates a Store over kv.
func New(kv KV, opts ...Option) *Store {
	s := &Store{
		kv:         kv,
		logger:     slog.New(slog.DiscardHandler),
		sessionKey: SessionKey,
		profileKey: ProfileKey,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SessionKey returns the slot name holding the session record.
func (s *Store) SessionKey() string { return s.sessionKey }

// sessionRecord is the persisted form of a session, without the profile.
type sessionRecord struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
}

// Get returns the persisted session with its cached profile, or nil when no
// session is stored. An unreadable profile is dropped, not reported.
func (s *Store) Get(ctx context.Context) (*segunda.Session, error) {
	data, err := s.kv.Get(ctx, s.sessionKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &segunda.StorageError{Op: "get", Key: s.sessionKey, Err: err}
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &segunda.StorageError{Op: "decode", Key: s.sessionKey, Err: err}
	}
	if rec.Token == "" {
		return nil, &segunda.StorageError{Op: "decode", Key: s.sessionKey, Err: errors.New("empty token")}
	}

	sess := &segunda.Session{
		Token:        rec.Token,
		RefreshToken: rec.RefreshToken,
		IssuedAt:     rec.IssuedAt,
		ExpiresAt:    rec.ExpiresAt,
		UserID:       rec.UserID,
		Email:        rec.Email,
	}
	profile, err := s.Profile(ctx)
	if err != nil {
		s.logger.Warn("cached profile unreadable", "err", err)
	}
	sess.Profile = profile
	return sess, nil
}

// Put replaces the session slot. When the session carries a profile it is
// cached too; a profile write failure is logged and not returned.
func (s *Store) Put(ctx context.Context, sess *segunda.Session) error {
	if sess == nil || sess.Token == "" {
		return &segunda.StorageError{Op: "put", Key: s.sessionKey, Err: errors.New("session without token")}
	}
	data, err := json.Marshal(sessionRecord{
		Token:        sess.Token,
		RefreshToken: sess.RefreshToken,
		IssuedAt:     sess.IssuedAt,
		ExpiresAt:    sess.ExpiresAt,
		UserID:       sess.UserID,
		Email:        sess.Email,
	})
	if err != nil {
		return &segunda.StorageError{Op: "encode", Key: s.sessionKey, Err: err}
	}
	if err := s.kv.Set(ctx, s.sessionKey, data); err != nil {
		return &segunda.StorageError{Op: "put", Key: s.sessionKey, Err: err}
	}

	if sess.Profile != nil {
		if err := s.PutProfile(ctx, sess.Profile); err != nil {
			s.logger.Warn("caching profile failed", "user_id", sess.UserID, "err", err)
		}
	}
	return nil
}

// Clear removes both slots.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Remove(ctx, s.sessionKey, s.profileKey); err != nil {
		return &segunda.StorageError{Op: "clear", Key: s.sessionKey, Err: err}
	}
	return nil
}

// Profile returns the cached profile, or nil when none is stored.
func (s *Store) Profile(ctx context.Context) (*segunda.UserProfile, error) {
	data, err := s.kv.Get(ctx, s.profileKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &segunda.StorageError{Op: "get", Key: s.profileKey, Err: err}
	}
	var p segunda.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &segunda.StorageError{Op: "decode", Key: s.profileKey, Err: err}
	}
	return &p, nil
}

// PutProfile replaces the cached profile.
func (s *Store) PutProfile(ctx context.Context, p *segunda.UserProfile) error {
	if p == nil {
		return s.ClearProfile(ctx)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return &segunda.StorageError{Op: "encode", Key: s.profileKey, Err: err}
	}
	if err := s.kv.Set(ctx, s.profileKey, data); err != nil {
		return &segunda.StorageError{Op: "put", Key: s.profileKey, Err: err}
	}
	return nil
}

// ClearProfile removes only the profile slot.
func (s *Store) ClearProfile(ctx context.Context) error {
	if err := s.kv.Remove(ctx, s.profileKey); err != nil {
		return &segunda.StorageError{Op: "clear", Key: s.profileKey, Err: err}
	}
	return nil
}
