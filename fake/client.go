// Package fake provides in-memory implementations for testing: an identity
// provider issuing real JWTs, a gin-based marketplace backend, and a
// fully wired client running against both.
//
// Use fake.NewClient() in tests to exercise the session manager and gateway
// without external services.
package fake

import (
	"log/slog"
	"net/http/httptest"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/credstore"
	"github.com/chimerakang/segunda-go/events"
	"github.com/chimerakang/segunda-go/gateway"
	"github.com/chimerakang/segunda-go/identity/restauth"
	"github.com/chimerakang/segunda-go/marketplace"
	"github.com/chimerakang/segunda-go/metrics"
	"github.com/chimerakang/segunda-go/session"
)

// Option configures the fake client.
type Option func(*config)

type config struct {
	provider *IdentityProvider
	backend  *Backend
	kv       credstore.KV
	restAuth bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sessOpts []session.Option
}

// WithIdentityProvider sets the provider. Default: a provider with no accounts.
func WithIdentityProvider(p *IdentityProvider) Option {
	return func(c *config) { c.provider = p }
}

// WithBackend sets the backend. Default: NewBackend(provider).
func WithBackend(b *Backend) Option {
	return func(c *config) { c.backend = b }
}

// WithKV sets the credential storage. Default: in memory.
func WithKV(kv credstore.KV) Option {
	return func(c *config) { c.kv = kv }
}

// WithRestAuth signs in through the backend's /auth/ endpoints with the
// "Token" scheme instead of the fake identity provider.
func WithRestAuth() Option {
	return func(c *config) { c.restAuth = true }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithSessionOptions passes extra options to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *config) { c.sessOpts = append(c.sessOpts, opts...) }
}

// Env exposes the pieces behind a fake client.
type Env struct {
	Provider    *IdentityProvider
	Backend     *Backend
	Server      *httptest.Server
	Store       *credstore.Store
	Bus         *events.Bus
	Manager     *session.Manager
	Gateway     *gateway.Gateway
	Marketplace *marketplace.Client
}

// NewClient creates a *segunda.Client wired to an in-memory backend served
// over a local httptest server. Close the client to stop the server.
func NewClient(opts ...Option) (*segunda.Client, *Env) {
	cfg := &config{logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.provider == nil {
		cfg.provider = NewIdentityProvider()
	}
	if cfg.backend == nil {
		cfg.backend = NewBackend(cfg.provider, WithBackendLogger(cfg.logger))
	}
	if cfg.kv == nil {
		cfg.kv = credstore.NewMemoryKV()
	}

	env := &Env{Provider: cfg.provider, Backend: cfg.backend}
	env.Server = cfg.backend.Server()

	var (
		provider segunda.IdentityProvider = cfg.provider
		scheme                            = segunda.SchemeBearer
		idp                               = segunda.ProviderFirebase
	)
	if cfg.restAuth {
		provider = restauth.New(env.Server.URL, restauth.WithLogger(cfg.logger))
		scheme = segunda.SchemeToken
		idp = segunda.ProviderRestAuth
	}

	env.Store = credstore.New(cfg.kv, credstore.WithLogger(cfg.logger))
	env.Bus = events.New(events.WithLogger(cfg.logger))
	env.Manager = session.New(env.Store, provider, append([]session.Option{
		session.WithEventPublisher(env.Bus),
		session.WithLogger(cfg.logger),
		session.WithMetrics(cfg.metrics),
	}, cfg.sessOpts...)...)

	gw, err := gateway.New(env.Server.URL, env.Manager,
		gateway.WithScheme(scheme),
		gateway.WithLogger(cfg.logger),
		gateway.WithMetrics(cfg.metrics),
	)
	if err != nil {
		panic("segunda/fake: " + err.Error())
	}
	env.Gateway = gw
	env.Marketplace = marketplace.New(gw)
	env.Manager.SetProfileFetcher(env.Marketplace)

	c, _ := segunda.NewClient(
		segunda.Config{BaseURL: env.Server.URL, IdentityProvider: idp, AuthScheme: scheme},
		segunda.WithLogger(cfg.logger),
		segunda.WithSessionService(env.Manager),
		segunda.WithRequester(env.Gateway),
		segunda.WithEventSource(env.Bus),
		segunda.WithCloser(closerFunc(func() error { env.Server.Close(); return nil })),
	)
	return c, env
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
