// Package gateway sends authenticated requests to the application backend.
//
// Every request carries the current session token. A 401 response ends the
// session through the TokenAuthority; the gateway never retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/metrics"
)

const (
	tracerName = "github.com/chimerakang/segunda-go/gateway"

	// HeaderRequestID correlates a request with backend logs.
	HeaderRequestID = "X-Request-ID"

	// InvalidationReason is passed to TokenAuthority.Invalidate on a 401.
	InvalidationReason = "unauthorized"
)

// Gateway implements segunda.Requester.
type Gateway struct {
	baseURL    string
	scheme     string
	timeout    time.Duration
	httpClient *http.Client
	tokens     segunda.TokenAuthority
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// compile-time check
var _ segunda.Requester = (*Gateway)(nil)

// Option configures the Gateway.
type Option func(*Gateway)

// WithHTTPClient sets a custom HTTP client. Its Timeout is left alone; the
// per-request timeout is applied through the context.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithScheme sets the Authorization scheme. Default: "Bearer".
func WithScheme(s string) Option {
	return func(g *Gateway) { g.scheme = s }
}

// WithTimeout bounds each request. Default: 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracerProvider sets the tracer provider. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) { g.tracer = tp.Tracer(tracerName) }
}

// New creates a gateway for the backend at baseURL.
func New(baseURL string, tokens segunda.TokenAuthority, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("segunda/gateway: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("segunda/gateway: base URL must be http or https, got %q", baseURL)
	}
	if tokens == nil {
		return nil, fmt.Errorf("segunda/gateway: token authority is required")
	}

	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		scheme:     segunda.SchemeBearer,
		timeout:    segunda.DefaultRequestTimeout,
		httpClient: &http.Client{},
		tokens:     tokens,
		logger:     slog.New(slog.DiscardHandler),
		tracer:     otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Do sends an authenticated request. body may be nil, []byte, an io.Reader,
// or any value encodable as JSON.
//
// Without a session it fails with segunda.ErrUnauthenticated before any
// network traffic. A 401 invalidates the session once and returns an error
// wrapping segunda.ErrUnauthenticated. Other non-2xx statuses return
// *segunda.APIError and leave the session alone.
func (g *Gateway) Do(ctx context.Context, method, path string, body any) (*segunda.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "segunda.api "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	reader, contentType, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("segunda/gateway: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+"/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return nil, fmt.Errorf("segunda/gateway: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	reqID := segunda.RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	req.Header.Set(HeaderRequestID, reqID)
	(&oauth2.Token{AccessToken: token, TokenType: g.scheme}).SetAuthHeader(req)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	log := g.logger.With("method", method, "path", path, "request_id", reqID)
	start := time.Now()

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.metrics.RecordRequest(method, 0, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		log.Warn("backend request failed", "err", err)
		return nil, &segunda.NetworkError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		g.metrics.RecordRequest(method, 0, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, &segunda.NetworkError{Op: method + " " + path, Err: err}
	}
	g.metrics.RecordRequest(method, resp.StatusCode, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		span.SetStatus(codes.Error, "unauthorized")
		log.Warn("backend rejected token, invalidating session")
		if err := g.tokens.Invalidate(context.WithoutCancel(ctx), InvalidationReason); err != nil {
			log.Error("session invalidation failed", "err", err)
		}
		return nil, fmt.Errorf("segunda/gateway: %s %s: %w", method, path, segunda.ErrUnauthenticated)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		log.Info("backend returned error status", "status", resp.StatusCode)
		return nil, &segunda.APIError{StatusCode: resp.StatusCode, Body: data}
	}

	log.Debug("backend request completed", "status", resp.StatusCode, "duration", time.Since(start))
	return &segunda.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Get sends a GET request.
func (g *Gateway) Get(ctx context.Context, path string) (*segunda.Response, error) {
	return g.Do(ctx, http.MethodGet, path, nil)
}

// Post sends a POST request with a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body any) (*segunda.Response, error) {
	return g.Do(ctx, http.MethodPost, path, body)
}

// Put sends a PUT request with a JSON body.
func (g *Gateway) Put(ctx context.Context, path string, body any) (*segunda.Response, error) {
	return g.Do(ctx, http.MethodPut, path, body)
}

// Patch sends a PATCH request with a JSON body.
func (g *Gateway) Patch(ctx context.Context, path string, body any) (*segunda.Response, error) {
	return g.Do(ctx, http.MethodPatch, path, body)
}

// Delete sends a DELETE request.
func (g *Gateway) Delete(ctx context.Context, path string) (*segunda.Response, error) {
	return g.Do(ctx, http.MethodDelete, path, nil)
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(b), "application/json", nil
	case io.Reader:
		return b, "application/json", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
