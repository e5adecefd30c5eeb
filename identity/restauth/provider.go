// Package restauth implements segunda.IdentityProvider against a
// dj-rest-auth style backend that issues opaque token keys.
//
// Keys do not expire client-side, so IDToken never contacts the server.
package restauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	segunda "github.com/chimerakang/segunda-go"
)

const (
	loginPath        = "/auth/login/"
	registrationPath = "/auth/registration/"
	userPath         = "/auth/user/"
	logoutPath       = "/auth/logout/"
)

// Provider authenticates against the backend's own auth endpoints.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	key      string
	identity segunda.Identity
}

// compile-time check
var (
	_ segunda.IdentityProvider = (*Provider)(nil)
	_ segunda.IdentityResumer  = (*Provider)(nil)
)

// Option configures the Provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a provider for the backend at baseURL.
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: segunda.DefaultRequestTimeout},
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type keyResponse struct {
	Key string `json:"key"`
}

type userResponse struct {
	PK       int64  `json:"pk"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// SignIn exchanges email and password for a token key.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*segunda.Identity, error) {
	return p.obtainKey(ctx, "sign in", loginPath, map[string]string{
		"username": email,
		"email":    email,
		"password": password,
	}, email)
}

// SignUp registers an account. The username is derived from the email's
// local part.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*segunda.Identity, error) {
	username, _, _ := strings.Cut(email, "@")
	return p.obtainKey(ctx, "sign up", registrationPath, map[string]string{
		"username":  username,
		"email":     email,
		"password1": password,
		"password2": password,
	}, email)
}

func (p *Provider) obtainKey(ctx context.Context, op, path string, payload map[string]string, email string) (*segunda.Identity, error) {
	body, err := p.do(ctx, op, http.MethodPost, path, "", payload)
	if err != nil {
		return nil, err
	}
	var kr keyResponse
	if err := json.Unmarshal(body, &kr); err != nil {
		return nil, fmt.Errorf("restauth: failed to decode %s response: %w", op, err)
	}
	if kr.Key == "" {
		return nil, fmt.Errorf("restauth: empty key in %s response", op)
	}

	id := segunda.Identity{UserID: email, Email: email, Token: kr.Key}
	if u, err := p.currentUser(ctx, kr.Key); err != nil {
		p.logger.Warn("restauth user lookup failed, using email as user id", "err", err)
	} else {
		if u.PK != 0 {
			id.UserID = strconv.FormatInt(u.PK, 10)
		}
		if u.Email != "" {
			id.Email = u.Email
		}
	}

	p.mu.Lock()
	p.key = kr.Key
	p.identity = id
	p.mu.Unlock()

	p.logger.Debug("restauth key obtained", "op", op, "user_id", id.UserID)
	out := id
	return &out, nil
}

func (p *Provider) currentUser(ctx context.Context, key string) (*userResponse, error) {
	body, err := p.do(ctx, "user lookup", http.MethodGet, userPath, key, nil)
	if err != nil {
		return nil, err
	}
	var u userResponse
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("restauth: failed to decode user response: %w", err)
	}
	return &u, nil
}

// SignOut revokes the key on the server. The local key is forgotten even
// when the request fails.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	key := p.key
	p.key = ""
	p.identity = segunda.Identity{}
	p.mu.Unlock()

	if key == "" {
		return nil
	}
	_, err := p.do(ctx, "sign out", http.MethodPost, logoutPath, key, nil)
	return err
}

// IDToken returns the current key. Keys cannot be refreshed; forceRefresh
// returns the same key.
func (p *Provider) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.key == "" {
		return "", segunda.ErrUnauthenticated
	}
	return p.key, nil
}

// Resume reinstates a persisted key.
func (p *Provider) Resume(ctx context.Context, id segunda.Identity) error {
	if id.Token == "" {
		return errors.New("restauth: cannot resume without a key")
	}
	p.mu.Lock()
	p.key = id.Token
	p.identity = id
	p.mu.Unlock()
	return nil
}

func (p *Provider) do(ctx context.Context, op, method, path, key string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("restauth: encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("restauth: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", segunda.SchemeToken+" "+key)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &segunda.NetworkError{Op: "restauth " + op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &segunda.NetworkError{Op: "restauth " + op, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	p.logger.Info("restauth rejected request", "op", op, "status", resp.StatusCode)
	return nil, classify(resp.StatusCode, body)
}

// classify maps a DRF error response to an error. Field errors arrive as
// {"field": ["message", ...]}.
func classify(status int, body []byte) error {
	switch status {
	case http.StatusTooManyRequests:
		return &segunda.AuthError{Kind: segunda.RateLimited, Code: "throttled"}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &segunda.AuthError{Kind: segunda.InvalidCredentials, Code: strconv.Itoa(status)}
	case http.StatusBadRequest:
	default:
		return &segunda.APIError{StatusCode: status, Body: body}
	}

	var fields map[string][]string
	if err := json.Unmarshal(body, &fields); err != nil || len(fields) == 0 {
		return &segunda.APIError{StatusCode: status, Body: body}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		msgs := fields[name]
		msg := ""
		if len(msgs) > 0 {
			msg = msgs[0]
		}
		ae := &segunda.AuthError{Code: name}
		if msg != "" {
			ae.Err = errors.New(msg)
		}
		lower := strings.ToLower(msg)
		switch {
		case name == "non_field_errors":
			ae.Kind = segunda.InvalidCredentials
		case (name == "email" || name == "username") && strings.Contains(lower, "already"):
			ae.Kind = segunda.EmailInUse
		case name == "email":
			ae.Kind = segunda.InvalidEmail
		case strings.HasPrefix(name, "password"):
			ae.Kind = segunda.WeakPassword
		default:
			continue
		}
		return ae
	}
	return &segunda.AuthError{Kind: segunda.AuthUnknown, Code: names[0]}
}
