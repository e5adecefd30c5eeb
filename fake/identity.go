package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	segunda "github.com/chimerakang/segunda-go"
)

// Claims are carried by tokens issued by IdentityProvider.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type account struct {
	uid      string
	email    string
	password string
	disabled bool
}

// Calls counts provider invocations.
type Calls struct {
	SignIns   int32
	SignUps   int32
	Refreshes int32
	SignOuts  int32
}

// IdentityProvider is an in-memory segunda.IdentityProvider issuing HS256
// JWTs. Backend verifies them with Verify.
type IdentityProvider struct {
	key     []byte
	ttl     time.Duration
	latency time.Duration
	now     func() time.Time

	mu           sync.Mutex
	accounts     map[string]*account // email → account
	current      *account
	refreshToken string
	refreshErr   error
	signOutErr   error
	nextID       int

	signIns, signUps, refreshes, signOuts atomic.Int32
}

// compile-time check
var (
	_ segunda.IdentityProvider = (*IdentityProvider)(nil)
	_ segunda.IdentityResumer  = (*IdentityProvider)(nil)
)

// IdentityOption configures the fake provider.
type IdentityOption func(*IdentityProvider)

// WithAccount registers an account.
func WithAccount(email, password string) IdentityOption {
	return func(p *IdentityProvider) { p.addAccount(email, password) }
}

// WithTokenTTL sets the lifetime of issued tokens. Default: 1 hour.
func WithTokenTTL(d time.Duration) IdentityOption {
	return func(p *IdentityProvider) { p.ttl = d }
}

// WithLatency delays every provider call, honoring context cancellation.
func WithLatency(d time.Duration) IdentityOption {
	return func(p *IdentityProvider) { p.latency = d }
}

// WithClock overrides time.Now for issued tokens.
func WithClock(now func() time.Time) IdentityOption {
	return func(p *IdentityProvider) { p.now = now }
}

// NewIdentityProvider creates a provider with a random signing key.
func NewIdentityProvider(opts ...IdentityOption) *IdentityProvider {
	p := &IdentityProvider{
		key:      []byte(uuid.NewString()),
		ttl:      time.Hour,
		now:      time.Now,
		accounts: make(map[string]*account),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *IdentityProvider) addAccount(email, password string) *account {
	p.nextID++
	a := &account{uid: fmt.Sprintf("uid-%d", p.nextID), email: strings.ToLower(email), password: password}
	p.accounts[a.email] = a
	return a
}

// DisableAccount makes future sign-ins and refreshes for email fail.
func (p *IdentityProvider) DisableAccount(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[strings.ToLower(email)]; ok {
		a.disabled = true
	}
}

// FailRefresh makes IDToken(force) return err until called with nil.
func (p *IdentityProvider) FailRefresh(err error) {
	p.mu.Lock()
	p.refreshErr = err
	p.mu.Unlock()
}

// FailSignOut makes SignOut return err until called with nil.
func (p *IdentityProvider) FailSignOut(err error) {
	p.mu.Lock()
	p.signOutErr = err
	p.mu.Unlock()
}

// Calls returns how often each method was invoked.
func (p *IdentityProvider) Calls() Calls {
	return Calls{
		SignIns:   p.signIns.Load(),
		SignUps:   p.signUps.Load(),
		Refreshes: p.refreshes.Load(),
		SignOuts:  p.signOuts.Load(),
	}
}

// SignIn implements segunda.IdentityProvider.
func (p *IdentityProvider) SignIn(ctx context.Context, email, password string) (*segunda.Identity, error) {
	p.signIns.Add(1)
	if err := p.wait(ctx, "sign in"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.authenticateLocked(email, password)
	if err != nil {
		return nil, err
	}
	return p.startLocked(a)
}

// SignUp implements segunda.IdentityProvider.
func (p *IdentityProvider) SignUp(ctx context.Context, email, password string) (*segunda.Identity, error) {
	p.signUps.Add(1)
	if err := p.wait(ctx, "sign up"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.registerLocked(email, password, segunda.DefaultMinPasswordLength)
	if err != nil {
		return nil, err
	}
	return p.startLocked(a)
}

// SignOut implements segunda.IdentityProvider.
func (p *IdentityProvider) SignOut(ctx context.Context) error {
	p.signOuts.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	p.refreshToken = ""
	return p.signOutErr
}

// IDToken implements segunda.IdentityProvider. Every call with forceRefresh
// issues a new token.
func (p *IdentityProvider) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	if forceRefresh {
		p.refreshes.Add(1)
		if err := p.wait(ctx, "refresh"); err != nil {
			return "", err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return "", segunda.ErrUnauthenticated
	}
	if p.current.disabled {
		return "", &segunda.AuthError{Kind: segunda.AccountDisabled, Code: "USER_DISABLED"}
	}
	if forceRefresh && p.refreshErr != nil {
		return "", p.refreshErr
	}
	return p.issueLocked(p.current)
}

// Resume implements segunda.IdentityResumer.
func (p *IdentityProvider) Resume(ctx context.Context, id segunda.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[strings.ToLower(id.Email)]
	if !ok || a.uid != id.UserID || id.RefreshToken == "" {
		return &segunda.AuthError{Kind: segunda.UnknownAccount, Code: "USER_NOT_FOUND"}
	}
	p.current = a
	p.refreshToken = id.RefreshToken
	return nil
}

// Verify checks a token issued by this provider and returns its claims.
func (p *IdentityProvider) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil {
		return nil, fmt.Errorf("segunda/fake: invalid token: %w", err)
	}
	return claims, nil
}

// Issue returns a fresh token for email without changing the signed-in user.
func (p *IdentityProvider) Issue(email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[strings.ToLower(email)]
	if !ok {
		return "", fmt.Errorf("segunda/fake: unknown account %q", email)
	}
	return p.issueLocked(a)
}

func (p *IdentityProvider) authenticateLocked(email, password string) (*account, error) {
	a, ok := p.accounts[strings.ToLower(strings.TrimSpace(email))]
	switch {
	case !ok:
		return nil, &segunda.AuthError{Kind: segunda.UnknownAccount, Code: "EMAIL_NOT_FOUND"}
	case a.disabled:
		return nil, &segunda.AuthError{Kind: segunda.AccountDisabled, Code: "USER_DISABLED"}
	case a.password != password:
		return nil, &segunda.AuthError{Kind: segunda.InvalidCredentials, Code: "INVALID_PASSWORD"}
	}
	return a, nil
}

func (p *IdentityProvider) registerLocked(email, password string, minLen int) (*account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return nil, &segunda.AuthError{Kind: segunda.InvalidEmail, Code: "INVALID_EMAIL"}
	}
	if _, ok := p.accounts[email]; ok {
		return nil, &segunda.AuthError{Kind: segunda.EmailInUse, Code: "EMAIL_EXISTS"}
	}
	if len(password) < minLen {
		return nil, &segunda.AuthError{Kind: segunda.WeakPassword, Code: "WEAK_PASSWORD"}
	}
	return p.addAccount(email, password), nil
}

func (p *IdentityProvider) startLocked(a *account) (*segunda.Identity, error) {
	token, err := p.issueLocked(a)
	if err != nil {
		return nil, err
	}
	p.current = a
	p.refreshToken = uuid.NewString()
	return &segunda.Identity{
		UserID:       a.uid,
		Email:        a.email,
		Token:        token,
		RefreshToken: p.refreshToken,
		ExpiresAt:    p.now().Add(p.ttl),
	}, nil
}

func (p *IdentityProvider) issueLocked(a *account) (string, error) {
	now := p.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: a.email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.uid,
			Issuer:    "segunda-fake",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
			ID:        uuid.NewString(),
		},
	})
	s, err := tok.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("segunda/fake: sign token: %w", err)
	}
	return s, nil
}

func (p *IdentityProvider) wait(ctx context.Context, op string) error {
	if p.latency <= 0 {
		return nil
	}
	t := time.NewTimer(p.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return &segunda.NetworkError{Op: "fake " + op, Err: ctx.Err()}
	}
}

var errUnknownKey = errors.New("segunda/fake: unknown key")
