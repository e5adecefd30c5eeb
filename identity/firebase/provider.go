// Package firebase implements segunda.IdentityProvider against the Firebase
// Identity Toolkit and Secure Token REST endpoints.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	segunda "github.com/chimerakang/segunda-go"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAuthURL  = "https://identitytoolkit.googleapis.com"
	DefaultTokenURL = "https://securetoken.googleapis.com"

	signInPath = "/v1/accounts:signInWithPassword"
	signUpPath = "/v1/accounts:signUp"
	tokenPath  = "/v1/token"

	// ID tokens are issued for one hour; used when the response omits expiresIn.
	defaultTokenLifetime = time.Hour
)

type user struct {
	uid          string
	email        string
	idToken      string
	refreshToken string
	expiresAt    time.Time
}

// Provider signs users in with email and password and keeps their ID token
// fresh using the refresh token.
type Provider struct {
	apiKey        string
	authURL       string
	tokenURL      string
	refreshBuffer time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	now           func() time.Time

	mu   sync.RWMutex
	user *user

	sf singleflight.Group
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

// WithAuthURL overrides the Identity Toolkit base URL (emulators, tests).
func WithAuthURL(u string) Option {
	return func(p *Provider) { p.authURL = strings.TrimRight(u, "/") }
}

// WithTokenURL overrides the Secure Token base URL.
func WithTokenURL(u string) Option {
	return func(p *Provider) { p.tokenURL = strings.TrimRight(u, "/") }
}

// WithRefreshBuffer sets how long before expiry a cached ID token is renewed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(p *Provider) { p.refreshBuffer = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Firebase provider for the project identified by apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:        apiKey,
		authURL:       DefaultAuthURL,
		tokenURL:      DefaultTokenURL,
		refreshBuffer: segunda.DefaultRefreshBuffer,
		httpClient:    &http.Client{Timeout: segunda.DefaultRequestTimeout},
		logger:        slog.New(slog.DiscardHandler),
		now:           time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// accountResponse is the Identity Toolkit sign-in/sign-up payload.
type accountResponse struct {
	LocalID      string      `json:"localId"`
	Email        string      `json:"email"`
	IDToken      string      `json:"idToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresIn    json.Number `json:"expiresIn"`
}

// tokenResponse is the Secure Token refresh payload.
type tokenResponse struct {
	IDToken      string      `json:"id_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	UserID       string      `json:"user_id"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignIn authenticates with email and password.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*segunda.Identity, error) {
	return p.account(ctx, "sign in", signInPath, email, password)
}

// SignUp creates an account and signs it in.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*segunda.Identity, error) {
	return p.account(ctx, "sign up", signUpPath, email, password)
}

func (p *Provider) account(ctx context.Context, op, path, email, password string) (*segunda.Identity, error) {
	payload, err := json.Marshal(map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
	if err != nil {
		return nil, fmt.Errorf("firebase: encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.authURL, path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("firebase: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := p.do(req, op)
	if err != nil {
		return nil, err
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("firebase: failed to decode %s response: %w", op, err)
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("firebase: empty idToken in %s response", op)
	}

	u := &user{
		uid:          resp.LocalID,
		email:        resp.Email,
		idToken:      resp.IDToken,
		refreshToken: resp.RefreshToken,
		expiresAt:    p.expiry(resp.ExpiresIn),
	}
	if u.email == "" {
		u.email = email
	}
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()

	p.logger.Debug("firebase account authenticated", "op", op, "uid", u.uid)
	return u.identity(), nil
}

// SignOut forgets the local user. Firebase has no server-side sign-out for
// ID tokens; they expire on their own.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.user = nil
	p.mu.Unlock()
	return nil
}

// Resume reinstates a persisted user so IDToken can refresh it.
func (p *Provider) Resume(ctx context.Context, id segunda.Identity) error {
	if id.RefreshToken == "" {
		return errors.New("firebase: cannot resume without a refresh token")
	}
	p.mu.Lock()
	p.user = &user{
		uid:          id.UserID,
		email:        id.Email,
		idToken:      id.Token,
		refreshToken: id.RefreshToken,
		expiresAt:    id.ExpiresAt,
	}
	p.mu.Unlock()
	return nil
}

// IDToken returns the cached ID token, or exchanges the refresh token for a
// new one when forced or near expiry. Concurrent refreshes collapse into one
// request.
func (p *Provider) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.RLock()
	u := p.user
	if u == nil {
		p.mu.RUnlock()
		return "", segunda.ErrUnauthenticated
	}
	if !forceRefresh && p.now().Before(u.expiresAt.Add(-p.refreshBuffer)) {
		defer p.mu.RUnlock()
		return u.idToken, nil
	}
	p.mu.RUnlock()

	result, err, _ := p.sf.Do("refresh", func() (interface{}, error) {
		return p.refresh(ctx, u)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (p *Provider) refresh(ctx context.Context, u *user) (string, error) {
	if u.refreshToken == "" {
		return "", &segunda.AuthError{Kind: segunda.InvalidCredentials, Code: "MISSING_REFRESH_TOKEN"}
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {u.refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.tokenURL, tokenPath), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("firebase: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := p.do(req, "refresh")
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("firebase: failed to decode refresh response: %w", err)
	}
	if resp.IDToken == "" {
		return "", errors.New("firebase: empty id_token in refresh response")
	}

	next := *u
	next.idToken = resp.IDToken
	if resp.RefreshToken != "" {
		next.refreshToken = resp.RefreshToken
	}
	next.expiresAt = p.expiry(resp.ExpiresIn)

	p.mu.Lock()
	// Signed out (or replaced) while the request was in flight.
	if p.user == nil || p.user.uid != u.uid {
		p.mu.Unlock()
		return "", segunda.ErrUnauthenticated
	}
	p.user = &next
	p.mu.Unlock()

	p.logger.Debug("firebase id token refreshed", "uid", next.uid)
	return next.idToken, nil
}

func (p *Provider) do(req *http.Request, op string) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &segunda.NetworkError{Op: "firebase " + op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &segunda.NetworkError{Op: "firebase " + op, Err: err}
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		p.logger.Info("firebase rejected request", "op", op, "status", resp.StatusCode, "code", er.Error.Message)
		return nil, authError(er.Error.Message, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &segunda.AuthError{Kind: segunda.RateLimited, Code: "HTTP_429"}
	}
	return nil, &segunda.APIError{StatusCode: resp.StatusCode, Body: body}
}

func (p *Provider) endpoint(base, path string) string {
	return base + path + "?key=" + url.QueryEscape(p.apiKey)
}

func (p *Provider) expiry(n json.Number) time.Time {
	secs, err := n.Int64()
	if err != nil || secs <= 0 {
		return p.now().Add(defaultTokenLifetime)
	}
	return p.now().Add(time.Duration(secs) * time.Second)
}

func (u *user) identity() *segunda.Identity {
	return &segunda.Identity{
		UserID:       u.uid,
		Email:        u.email,
		Token:        u.idToken,
		RefreshToken: u.refreshToken,
		ExpiresAt:    u.expiresAt,
	}
}

// authError maps an Identity Toolkit error message such as
// "WEAK_PASSWORD : Password should be at least 6 characters" to a kind.
func authError(message string, status int) *segunda.AuthError {
	code, detail, _ := strings.Cut(message, ":")
	code = strings.TrimSpace(code)

	ae := &segunda.AuthError{Kind: segunda.AuthUnknown, Code: code}
	if detail = strings.TrimSpace(detail); detail != "" {
		ae.Err = errors.New(detail)
	}

	switch code {
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "INVALID_REFRESH_TOKEN", "TOKEN_EXPIRED", "MISSING_PASSWORD":
		ae.Kind = segunda.InvalidCredentials
	case "EMAIL_NOT_FOUND", "USER_NOT_FOUND":
		ae.Kind = segunda.UnknownAccount
	case "EMAIL_EXISTS":
		ae.Kind = segunda.EmailInUse
	case "WEAK_PASSWORD":
		ae.Kind = segunda.WeakPassword
	case "INVALID_EMAIL", "MISSING_EMAIL":
		ae.Kind = segunda.InvalidEmail
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		ae.Kind = segunda.RateLimited
	case "USER_DISABLED":
		ae.Kind = segunda.AccountDisabled
	default:
		if status == http.StatusTooManyRequests {
			ae.Kind = segunda.RateLimited
		}
	}
	return ae
}
