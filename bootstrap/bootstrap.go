// Package bootstrap wires the default segunda stack from a Config: credential
// storage, identity provider, session manager, event bus, API gateway and
// profile fetcher. It restores any persisted session before returning.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/audit"
	"github.com/chimerakang/segunda-go/credstore"
	"github.com/chimerakang/segunda-go/events"
	"github.com/chimerakang/segunda-go/gateway"
	"github.com/chimerakang/segunda-go/identity/firebase"
	"github.com/chimerakang/segunda-go/identity/restauth"
	"github.com/chimerakang/segunda-go/marketplace"
	"github.com/chimerakang/segunda-go/metrics"
	"github.com/chimerakang/segunda-go/session"
)

// Option configures New.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	registerer     prometheus.Registerer
	httpClient     *http.Client
	tracerProvider trace.TracerProvider
	kv             credstore.KV
	provider       segunda.IdentityProvider
	auditOpts      []audit.Option
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer enables Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the HTTP client used for backend and provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTracerProvider sets the tracer provider for gateway spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithKV overrides the credential storage selected from Config.
func WithKV(kv credstore.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithIdentityProvider overrides the provider selected from Config.
func WithIdentityProvider(p segunda.IdentityProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithAudit records every session transition through an audit.Logger built
// with opts. The logger is flushed when the client is closed.
func WithAudit(opts ...audit.Option) Option {
	return func(o *options) { o.auditOpts = append(o.auditOpts, opts...) }
}

// New builds a client from cfg. A persisted session is restored; failing to
// restore one is logged and leaves the client logged out.
func New(ctx context.Context, cfg segunda.Config, opts ...Option) (*segunda.Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	m := metrics.New(o.registerer)

	var (
		closers []io.Closer
		bus     *events.Bus
	)
	fail := func(err error) (*segunda.Client, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		if bus != nil {
			_ = bus.Close()
		}
		return nil, err
	}

	kv, fileKV, kvCloser, err := openKV(ctx, cfg, o)
	if err != nil {
		return fail(err)
	}
	if kvCloser != nil {
		closers = append(closers, kvCloser)
	}
	store := credstore.New(kv, credstore.WithLogger(logger))

	provider := o.provider
	if provider == nil {
		provider = newProvider(cfg, o)
	}

	bus = events.New(events.WithLogger(logger))
	if len(o.auditOpts) > 0 {
		trail := audit.New(0, o.auditOpts...)
		trail.Attach(bus)
		closers = append(closers, trail)
	}

	mgr := session.New(store, provider,
		session.WithEventPublisher(bus),
		session.WithLogger(logger),
		session.WithMetrics(m),
		session.WithMinPasswordLength(cfg.MinPasswordLength),
		session.WithRefreshBuffer(cfg.RefreshBuffer),
		session.WithRefreshTimeout(cfg.RequestTimeout),
	)

	gwOpts := []gateway.Option{
		gateway.WithScheme(cfg.AuthScheme),
		gateway.WithTimeout(cfg.RequestTimeout),
		gateway.WithLogger(logger),
		gateway.WithMetrics(m),
	}
	if o.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.httpClient))
	}
	if o.tracerProvider != nil {
		gwOpts = append(gwOpts, gateway.WithTracerProvider(o.tracerProvider))
	}
	gw, err := gateway.New(cfg.BaseURL, mgr, gwOpts...)
	if err != nil {
		return fail(err)
	}
	mgr.SetProfileFetcher(marketplace.New(gw, marketplace.WithProfilePath(cfg.ProfilePath)))

	if sess, err := mgr.Restore(ctx); err != nil {
		logger.Warn("restoring persisted session failed", "err", err)
	} else if sess != nil {
		logger.Info("persisted session restored", "user_id", sess.UserID)
	}

	if cfg.WatchCredentials && fileKV != nil {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		closers = append(closers, closerFunc(func() error { cancel(); return nil }))
		err := fileKV.Watch(wctx, logger, func(key string) {
			if key != store.SessionKey() {
				return
			}
			if _, err := mgr.InvalidateIfMissing(wctx, "credentials removed"); err != nil {
				logger.Error("invalidating session after credential removal failed", "err", err)
			}
		})
		if err != nil {
			return fail(err)
		}
	}

	clientOpts := []segunda.Option{
		segunda.WithLogger(logger),
		segunda.WithSessionService(mgr),
		segunda.WithRequester(gw),
		segunda.WithEventSource(bus),
	}
	for _, c := range closers {
		clientOpts = append(clientOpts, segunda.WithCloser(c))
	}
	c, err := segunda.NewClient(cfg, clientOpts...)
	if err != nil {
		return fail(err)
	}
	return c, nil
}

// openKV selects Redis when RedisURL is set, else files under CredentialDir,
// else memory. A passphrase seals whichever was chosen.
func openKV(ctx context.Context, cfg segunda.Config, o *options) (credstore.KV, *credstore.FileKV, io.Closer, error) {
	var (
		kv     credstore.KV
		fileKV *credstore.FileKV
		closer io.Closer
	)
	switch {
	case o.kv != nil:
		kv = o.kv
	case cfg.RedisURL != "":
		client, err := credstore.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		r := credstore.NewRedisKV(client)
		kv, closer = r, r
	case cfg.CredentialDir != "":
		f, err := credstore.NewFileKV(cfg.CredentialDir)
		if err != nil {
			return nil, nil, nil, err
		}
		kv, fileKV = f, f
	default:
		o.logger.Warn("no credential directory configured, sessions will not persist")
		kv = credstore.NewMemoryKV()
	}

	if cfg.CredentialPassphrase != "" {
		sealed, err := credstore.OpenSealed(ctx, kv, cfg.CredentialPassphrase)
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			return nil, nil, nil, fmt.Errorf("segunda/bootstrap: %w", err)
		}
		kv = sealed
	}
	return kv, fileKV, closer, nil
}

func newProvider(cfg segunda.Config, o *options) segunda.IdentityProvider {
	switch cfg.IdentityProvider {
	case segunda.ProviderRestAuth:
		opts := []restauth.Option{restauth.WithLogger(o.logger)}
		if o.httpClient != nil {
			opts = append(opts, restauth.WithHTTPClient(o.httpClient))
		}
		return restauth.New(cfg.BaseURL, opts...)
	default:
		opts := []firebase.Option{
			firebase.WithLogger(o.logger),
			firebase.WithRefreshBuffer(cfg.RefreshBuffer),
		}
		if cfg.FirebaseAuthURL != "" {
			opts = append(opts, firebase.WithAuthURL(cfg.FirebaseAuthURL))
		}
		if cfg.FirebaseTokenURL != "" {
			opts = append(opts, firebase.WithTokenURL(cfg.FirebaseTokenURL))
		}
		if o.httpClient != nil {
			opts = append(opts, firebase.WithHTTPClient(o.httpClient))
		}
		return firebase.New(cfg.FirebaseAPIKey, opts...)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
