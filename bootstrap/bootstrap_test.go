package bootstrap_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/audit"
	"github.com/chimerakang/segunda-go/bootstrap"
	"github.com/chimerakang/segunda-go/credstore"
	"github.com/chimerakang/segunda-go/fake"
)

const (
	email    = "bob@example.com"
	password = "longenough"
)

func newBackend(t *testing.T) (*fake.IdentityProvider, string) {
	t.Helper()
	idp := fake.NewIdentityProvider(fake.WithAccount(email, password))
	srv := fake.NewBackend(idp).Server()
	t.Cleanup(srv.Close)
	return idp, srv.URL
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  segunda.Config
	}{
		{"missing base url", segunda.Config{IdentityProvider: segunda.ProviderRestAuth}},
		{"firebase without key", segunda.Config{BaseURL: "http://localhost"}},
		{"unknown provider", segunda.Config{BaseURL: "http://localhost", IdentityProvider: "ldap"}},
		{"bad base url", segunda.Config{BaseURL: "ftp://localhost", IdentityProvider: segunda.ProviderRestAuth}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bootstrap.New(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_RestAuthPersistsAcrossRestarts(t *testing.T) {
	_, baseURL := newBackend(t)
	cfg := segunda.Config{
		BaseURL:          baseURL,
		IdentityProvider: segunda.ProviderRestAuth,
		CredentialDir:    t.TempDir(),
	}
	ctx := context.Background()

	c, err := bootstrap.New(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, segunda.LoggedOut, c.Sessions().State())
	assert.Equal(t, segunda.SchemeToken, c.Config().AuthScheme)

	sess, err := c.Sessions().SignIn(ctx, email, password)
	require.NoError(t, err)
	assert.Equal(t, email, sess.Email)

	resp, err := c.API().Do(ctx, http.MethodGet, "/api/profile/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, c.Close())

	restarted, err := bootstrap.New(ctx, cfg)
	require.NoError(t, err)
	defer restarted.Close()

	assert.Equal(t, segunda.LoggedIn, restarted.Sessions().State())
	assert.Equal(t, sess.Token, restarted.Sessions().Session().Token)

	resp, err = restarted.API().Do(ctx, http.MethodGet, "/api/profile/", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_PassphraseSealsSlots(t *testing.T) {
	_, baseURL := newBackend(t)
	dir := t.TempDir()
	cfg := segunda.Config{
		BaseURL:              baseURL,
		IdentityProvider:     segunda.ProviderRestAuth,
		CredentialDir:        dir,
		CredentialPassphrase: "correct horse",
	}
	ctx := context.Background()

	c, err := bootstrap.New(ctx, cfg)
	require.NoError(t, err)
	sess, err := c.Sessions().SignIn(ctx, email, password)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	raw, err := os.ReadFile(filepath.Join(dir, credstore.SessionKey))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), sess.Token)

	restarted, err := bootstrap.New(ctx, cfg)
	require.NoError(t, err)
	defer restarted.Close()
	assert.Equal(t, segunda.LoggedIn, restarted.Sessions().State())

	cfg.CredentialPassphrase = "wrong"
	other, err := bootstrap.New(ctx, cfg)
	require.NoError(t, err, "an unreadable session is logged, not fatal")
	defer other.Close()
	assert.Equal(t, segunda.LoggedOut, other.Sessions().State())
}

func TestNew_IdentityProviderOverride(t *testing.T) {
	idp, baseURL := newBackend(t)
	reg := prometheus.NewRegistry()
	ctx := context.Background()

	c, err := bootstrap.New(ctx, segunda.Config{BaseURL: baseURL, FirebaseAPIKey: "unused"},
		bootstrap.WithIdentityProvider(idp),
		bootstrap.WithKV(credstore.NewMemoryKV()),
		bootstrap.WithRegisterer(reg),
		bootstrap.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, segunda.SchemeBearer, c.Config().AuthScheme)

	_, err = c.Sessions().SignIn(ctx, email, password)
	require.NoError(t, err)
	_, err = c.API().Do(ctx, http.MethodGet, "/api/products/", nil)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "segunda_api_requests_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestNew_WatchInvalidatesOnExternalRemoval(t *testing.T) {
	_, baseURL := newBackend(t)
	dir := t.TempDir()
	ctx := context.Background()

	c, err := bootstrap.New(ctx, segunda.Config{
		BaseURL:          baseURL,
		IdentityProvider: segunda.ProviderRestAuth,
		CredentialDir:    dir,
		WatchCredentials: true,
	})
	require.NoError(t, err)
	defer c.Close()

	var reasons []string
	done := make(chan struct{}, 4)
	c.Events().Subscribe(func(ev segunda.SessionChanged) {
		if ev.State == segunda.LoggedOut {
			reasons = append(reasons, ev.Reason)
			done <- struct{}{}
		}
	})

	_, err = c.Sessions().SignIn(ctx, email, password)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, credstore.SessionKey)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no LoggedOut event after the session file was removed")
	}
	assert.Equal(t, segunda.LoggedOut, c.Sessions().State())
	assert.True(t, strings.Contains(reasons[0], "removed"), "reason = %q", reasons[0])
}

func TestNew_WatchIgnoresOwnLogout(t *testing.T) {
	_, baseURL := newBackend(t)
	ctx := context.Background()

	c, err := bootstrap.New(ctx, segunda.Config{
		BaseURL:          baseURL,
		IdentityProvider: segunda.ProviderRestAuth,
		CredentialDir:    t.TempDir(),
		WatchCredentials: true,
	})
	require.NoError(t, err)
	defer c.Close()

	var (
		mu      sync.Mutex
		reasons []string
	)
	c.Events().Subscribe(func(ev segunda.SessionChanged) {
		if ev.State == segunda.LoggedOut {
			mu.Lock()
			reasons = append(reasons, ev.Reason)
			mu.Unlock()
		}
	})

	_, err = c.Sessions().SignIn(ctx, email, password)
	require.NoError(t, err)
	require.NoError(t, c.Sessions().Logout(ctx))
	_, err = c.Sessions().SignIn(ctx, email, password)
	require.NoError(t, err)

	// Give the watcher time to deliver the removal caused by Logout.
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, segunda.LoggedIn, c.Sessions().State())
	_, err = c.Sessions().Token(ctx)
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, reasons, "credentials removed")
}

func TestNew_AuditTrail(t *testing.T) {
	idp, baseURL := newBackend(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		trail []audit.Event
	)
	c, err := bootstrap.New(ctx, segunda.Config{BaseURL: baseURL, FirebaseAPIKey: "unused"},
		bootstrap.WithIdentityProvider(idp),
		bootstrap.WithKV(credstore.NewMemoryKV()),
		bootstrap.WithAudit(audit.WithHandler(func(e audit.Event) {
			mu.Lock()
			trail = append(trail, e)
			mu.Unlock()
		})),
	)
	require.NoError(t, err)

	_, err = c.Sessions().SignIn(ctx, email, "wrong-password")
	require.Error(t, err)
	_, err = c.Sessions().SignIn(ctx, email, password)
	require.NoError(t, err)
	require.NoError(t, c.Sessions().Logout(ctx))
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	var got []string
	for _, e := range trail {
		got = append(got, e.Action+"/"+e.Result)
	}
	assert.Equal(t, []string{
		"sign_in/pending", "sign_in/failure",
		"sign_in/pending", "sign_in/success",
		"logout/ended",
	}, got)
}
