package segunda_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/fake"
	"github.com/chimerakang/segunda-go/marketplace"
)

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := segunda.NewClient(segunda.Config{})
	if err == nil {
		t.Fatal("NewClient() expected error when BaseURL is empty")
	}
}

func TestNewClient_AppliesDefaults(t *testing.T) {
	c, err := segunda.NewClient(segunda.Config{BaseURL: "http://localhost:8000"})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	cfg := c.Config()
	if cfg.IdentityProvider != segunda.ProviderFirebase {
		t.Errorf("IdentityProvider = %q, want %q", cfg.IdentityProvider, segunda.ProviderFirebase)
	}
	if cfg.AuthScheme != segunda.SchemeBearer {
		t.Errorf("AuthScheme = %q, want %q", cfg.AuthScheme, segunda.SchemeBearer)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.MinPasswordLength != 6 {
		t.Errorf("MinPasswordLength = %d, want 6", cfg.MinPasswordLength)
	}
	if cfg.RefreshBuffer != 5*time.Minute {
		t.Errorf("RefreshBuffer = %v, want 5m", cfg.RefreshBuffer)
	}
	if cfg.ProfilePath != "/api/profile/" {
		t.Errorf("ProfilePath = %q", cfg.ProfilePath)
	}
}

func TestConfig_RestAuthDefaultsToTokenScheme(t *testing.T) {
	cfg := segunda.Config{BaseURL: "http://localhost", IdentityProvider: segunda.ProviderRestAuth}.WithDefaults()
	if cfg.AuthScheme != segunda.SchemeToken {
		t.Errorf("AuthScheme = %q, want %q", cfg.AuthScheme, segunda.SchemeToken)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     segunda.Config
		wantErr bool
	}{
		{"firebase with key", segunda.Config{BaseURL: "http://x", IdentityProvider: segunda.ProviderFirebase, FirebaseAPIKey: "k"}, false},
		{"firebase without key", segunda.Config{BaseURL: "http://x", IdentityProvider: segunda.ProviderFirebase}, true},
		{"unknown provider", segunda.Config{BaseURL: "http://x", IdentityProvider: "saml"}, true},
		{"negative password length", segunda.Config{BaseURL: "http://x", IdentityProvider: segunda.ProviderRestAuth, MinPasswordLength: -1}, true},
		{"no base url", segunda.Config{IdentityProvider: segunda.ProviderRestAuth}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(segunda.EnvBaseURL, "http://192.168.8.160:8000")
	t.Setenv(segunda.EnvIdentityProvider, segunda.ProviderRestAuth)
	t.Setenv(segunda.EnvRequestTimeout, "3s")
	t.Setenv(segunda.EnvMinPasswordLength, "8")
	t.Setenv(segunda.EnvWatchCredentials, "true")
	t.Setenv(segunda.EnvRefreshBuffer, "not-a-duration")
	t.Setenv(segunda.EnvCredentialDir, "/tmp/segunda-creds")

	cfg := segunda.ConfigFromEnv()
	if cfg.BaseURL != "http://192.168.8.160:8000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.AuthScheme != segunda.SchemeToken {
		t.Errorf("AuthScheme = %q, want %q", cfg.AuthScheme, segunda.SchemeToken)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Errorf("RequestTimeout = %v, want 3s", cfg.RequestTimeout)
	}
	if cfg.MinPasswordLength != 8 {
		t.Errorf("MinPasswordLength = %d, want 8", cfg.MinPasswordLength)
	}
	if !cfg.WatchCredentials {
		t.Error("WatchCredentials = false, want true")
	}
	if cfg.RefreshBuffer != segunda.DefaultRefreshBuffer {
		t.Errorf("RefreshBuffer = %v, want default", cfg.RefreshBuffer)
	}
	if cfg.CredentialDir != "/tmp/segunda-creds" {
		t.Errorf("CredentialDir = %q", cfg.CredentialDir)
	}
}

func TestNewClient_NilServicesBeforeInjection(t *testing.T) {
	c, _ := segunda.NewClient(segunda.Config{BaseURL: "http://localhost:8000"})

	if c.Sessions() != nil {
		t.Error("Sessions() should be nil before injection")
	}
	if c.API() != nil {
		t.Error("API() should be nil before injection")
	}
	if c.Events() != nil {
		t.Error("Events() should be nil before injection")
	}
	if c.Logger() == nil {
		t.Error("Logger() should default to a discard logger")
	}
}

type countingCloser struct {
	calls int
	err   error
}

func (c *countingCloser) Close() error {
	c.calls++
	return c.err
}

func TestClose_ClosesRegisteredResources(t *testing.T) {
	first := &countingCloser{err: errors.New("boom")}
	second := &countingCloser{}
	c, _ := segunda.NewClient(segunda.Config{BaseURL: "http://localhost:8000"},
		segunda.WithCloser(first),
		segunda.WithCloser(second),
	)

	if err := c.Close(); err == nil || err.Error() != "boom" {
		t.Errorf("Close() error = %v, want boom", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("closer calls = %d, %d, want 1, 1", first.calls, second.calls)
	}
}

func TestClose_NoErrorWithoutClosers(t *testing.T) {
	c, _ := segunda.NewClient(segunda.Config{BaseURL: "http://localhost:8000"})
	if err := c.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

// eventLog collects session events delivered by the bus.
type eventLog struct {
	mu     sync.Mutex
	events []segunda.SessionChanged
	ch     chan segunda.SessionChanged
}

func newEventLog(src segunda.EventSource) *eventLog {
	l := &eventLog{ch: make(chan segunda.SessionChanged, 32)}
	src.Subscribe(func(ev segunda.SessionChanged) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		l.ch <- ev
	})
	return l
}

func (l *eventLog) waitFor(t *testing.T, state segunda.State) segunda.SessionChanged {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.State == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func (l *eventLog) count(state segunda.State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.State == state {
			n++
		}
	}
	return n
}

func TestClient_UnauthorizedResponseEndsSession(t *testing.T) {
	c, env := fake.NewClient(fake.WithIdentityProvider(
		fake.NewIdentityProvider(fake.WithAccount("alice@example.com", "secret1")),
	))
	defer c.Close()
	ctx := context.Background()
	events := newEventLog(c.Events())

	sess, err := c.Sessions().SignIn(ctx, "alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	events.waitFor(t, segunda.LoggedIn)
	if sess.Profile == nil || sess.Profile.Email != "alice@example.com" {
		t.Errorf("Profile = %+v, want fetched profile", sess.Profile)
	}

	if _, err := env.Marketplace.CreateProduct(ctx, marketplace.ProductInput{Title: "Bike", Description: "Road bike, 54cm"}); err != nil {
		t.Fatalf("CreateProduct() error: %v", err)
	}

	env.Backend.RejectNext(1)
	_, err = c.API().Do(ctx, http.MethodGet, "/api/my-products/", nil)
	if !errors.Is(err, segunda.ErrUnauthenticated) {
		t.Fatalf("Do() error = %v, want ErrUnauthenticated", err)
	}

	ev := events.waitFor(t, segunda.LoggedOut)
	if ev.Previous != segunda.LoggedIn {
		t.Errorf("Previous = %s, want LoggedIn", ev.Previous)
	}
	if c.Sessions().State() != segunda.LoggedOut {
		t.Errorf("State = %s, want LoggedOut", c.Sessions().State())
	}
	if stored, err := env.Store.Get(ctx); err != nil || stored != nil {
		t.Errorf("stored session = %+v, %v, want cleared", stored, err)
	}

	_, err = c.API().Do(ctx, http.MethodGet, "/api/my-products/", nil)
	if !errors.Is(err, segunda.ErrUnauthenticated) {
		t.Errorf("Do() after invalidation error = %v, want ErrUnauthenticated", err)
	}
	if got := env.Backend.Unauthorized(); got != 1 {
		t.Errorf("backend 401s = %d, want 1", got)
	}
	if got := events.count(segunda.LoggedOut); got != 1 {
		t.Errorf("LoggedOut events = %d, want 1", got)
	}
}

func TestClient_RestAuthFlow(t *testing.T) {
	c, env := fake.NewClient(fake.WithRestAuth())
	defer c.Close()
	ctx := context.Background()

	if c.Config().AuthScheme != segunda.SchemeToken {
		t.Errorf("AuthScheme = %q, want Token", c.Config().AuthScheme)
	}

	sess, err := c.Sessions().SignUp(ctx, "carol@example.com", "longenough", "longenough")
	if err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	if sess.Email != "carol@example.com" || sess.UserID == "" {
		t.Errorf("session = %+v", sess)
	}

	products, err := env.Marketplace.AllProducts(ctx)
	if err != nil {
		t.Fatalf("AllProducts() error: %v", err)
	}
	if len(products) != 0 {
		t.Errorf("products = %d, want 0", len(products))
	}

	if err := c.Sessions().Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, err := env.Marketplace.AllProducts(ctx); !errors.Is(err, segunda.ErrUnauthenticated) {
		t.Errorf("AllProducts() after logout error = %v, want ErrUnauthenticated", err)
	}
}
