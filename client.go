// Package segunda provides the session and API gateway layer of the Segunda
// marketplace client.
//
// The root package defines the data model, the error taxonomy and the interfaces
// between components. Concrete implementations live in sub-packages and are
// injected via Option functions; bootstrap.New wires the default stack from a Config.
//
//	client, err := bootstrap.New(ctx, segunda.Config{
//	    BaseURL:          "https://api.segunda.app",
//	    IdentityProvider: segunda.ProviderFirebase,
//	    FirebaseAPIKey:   os.Getenv("FIREBASE_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	_, err = client.Sessions().SignIn(ctx, "user@test.com", "secret1")
package segunda

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Identity provider names accepted in Config.IdentityProvider.
const (
	ProviderFirebase = "firebase"
	ProviderRestAuth = "restauth"
)

// Authorization schemes.
const (
	SchemeBearer = "Bearer"
	SchemeToken  = "Token"
)

const (
	// DefaultRequestTimeout bounds every backend request.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMinPasswordLength is the sign-up password policy.
	DefaultMinPasswordLength = 6

	// DefaultRefreshBuffer is how long before expiry a token is refreshed.
	DefaultRefreshBuffer = 5 * time.Minute

	// DefaultProfilePath is the backend endpoint returning the signed-in user.
	DefaultProfilePath = "/api/profile/"
)

// Config holds connection and behavior configuration.
type Config struct {
	// BaseURL is the application backend address, e.g. "http://192.168.8.160:8000".
	BaseURL string

	// AuthScheme is the Authorization header scheme. Defaults to "Bearer" for the
	// firebase provider and "Token" for restauth.
	AuthScheme string

	// RequestTimeout bounds each backend request. Default: 10 seconds.
	RequestTimeout time.Duration

	// IdentityProvider selects the token issuer: "firebase" or "restauth".
	IdentityProvider string

	// FirebaseAPIKey is the web API key of the Firebase project.
	FirebaseAPIKey string

	// FirebaseAuthURL overrides the Identity Toolkit endpoint.
	FirebaseAuthURL string

	// FirebaseTokenURL overrides the Secure Token endpoint.
	FirebaseTokenURL string

	// CredentialDir is where the session slots are persisted.
	CredentialDir string

	// CredentialPassphrase, when set, encrypts the persisted slots.
	CredentialPassphrase string

	// RedisURL, when set, stores the slots in Redis instead of CredentialDir.
	RedisURL string

	// WatchCredentials invalidates the session when the persisted token is removed
	// by another process. Only meaningful for file storage.
	WatchCredentials bool

	// MinPasswordLength is the minimum sign-up password length. Default: 6.
	MinPasswordLength int

	// RefreshBuffer is how long before expiry a token is refreshed. Default: 5 minutes.
	RefreshBuffer time.Duration

	// ProfilePath is fetched after sign-in to cache the user profile. Default: "/api/profile/".
	ProfilePath string
}

// WithDefaults returns a copy of cfg with zero values replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.IdentityProvider == "" {
		cfg.IdentityProvider = ProviderFirebase
	}
	if cfg.AuthScheme == "" {
		if cfg.IdentityProvider == ProviderRestAuth {
			cfg.AuthScheme = SchemeToken
		} else {
			cfg.AuthScheme = SchemeBearer
		}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MinPasswordLength == 0 {
		cfg.MinPasswordLength = DefaultMinPasswordLength
	}
	if cfg.RefreshBuffer == 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.ProfilePath == "" {
		cfg.ProfilePath = DefaultProfilePath
	}
	return cfg
}

// Validate reports configuration errors.
func (cfg Config) Validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("segunda: BaseURL is required")
	}
	switch cfg.IdentityProvider {
	case ProviderFirebase:
		if cfg.FirebaseAPIKey == "" {
			return fmt.Errorf("segunda: FirebaseAPIKey is required for the firebase provider")
		}
	case ProviderRestAuth:
	default:
		return fmt.Errorf("segunda: unknown identity provider %q", cfg.IdentityProvider)
	}
	if cfg.MinPasswordLength < 0 {
		return fmt.Errorf("segunda: MinPasswordLength must not be negative")
	}
	return nil
}

// Client is the main entry point handed to the UI layer.
// Service implementations are injected via Option functions.
type Client struct {
	config   Config
	logger   *slog.Logger
	sessions SessionService
	api      Requester
	events   EventSource
	closers  []io.Closer
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSessionService sets the session manager.
func WithSessionService(s SessionService) Option {
	return func(c *Client) { c.sessions = s }
}

// WithRequester sets the API gateway.
func WithRequester(r Requester) Option {
	return func(c *Client) { c.api = r }
}

// WithEventSource sets the event bus observers subscribe to.
func WithEventSource(e EventSource) Option {
	return func(c *Client) { c.events = e }
}

// WithCloser registers an extra resource released by Close.
func WithCloser(cl io.Closer) Option {
	return func(c *Client) { c.closers = append(c.closers, cl) }
}

// NewClient creates a client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("segunda: BaseURL is required")
	}
	c := &Client{config: cfg.WithDefaults()}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Sessions returns the session manager, or nil if not configured.
func (c *Client) Sessions() SessionService { return c.sessions }

// API returns the API gateway, or nil if not configured.
func (c *Client) API() Requester { return c.api }

// Events returns the event source, or nil if not configured.
func (c *Client) Events() EventSource { return c.events }

// Close releases all resources held by the client.
// Any injected service that implements io.Closer will be closed.
func (c *Client) Close() error {
	services := []any{c.sessions, c.api, c.events}
	var firstErr error
	for _, svc := range services {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
