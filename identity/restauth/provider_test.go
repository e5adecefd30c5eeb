package restauth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/identity/restauth"
)

type backend struct {
	logouts    atomic.Int32
	userLookup atomic.Int32
	userFails  bool
}

func (b *backend) server(t *testing.T) *httptest.Server {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch {
		case req["username"] == "busy@example.com":
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Request was throttled."})
		case req["username"] != "user@example.com" || req["password"] != "secret":
			writeJSON(w, http.StatusBadRequest, map[string][]string{
				"non_field_errors": {"Unable to log in with provided credentials."},
			})
		default:
			writeJSON(w, http.StatusOK, map[string]string{"key": "key-123"})
		}
	})
	mux.HandleFunc("/auth/registration/", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch {
		case req["email"] == "taken@example.com":
			writeJSON(w, http.StatusBadRequest, map[string][]string{
				"email": {"A user is already registered with this e-mail address."},
			})
		case len(req["password1"]) < 8:
			writeJSON(w, http.StatusBadRequest, map[string][]string{
				"password1": {"This password is too short. It must contain at least 8 characters."},
			})
		case req["username"] != "new":
			writeJSON(w, http.StatusBadRequest, map[string][]string{"username": {"unexpected"}})
		default:
			writeJSON(w, http.StatusCreated, map[string]string{"key": "key-new"})
		}
	})
	mux.HandleFunc("/auth/user/", func(w http.ResponseWriter, r *http.Request) {
		b.userLookup.Add(1)
		if b.userFails || r.Header.Get("Authorization") == "" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pk": 42, "username": "user", "email": "user@example.com"})
	})
	mux.HandleFunc("/auth/logout/", func(w http.ResponseWriter, r *http.Request) {
		b.logouts.Add(1)
		if r.Header.Get("Authorization") != "Token key-123" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid token."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"detail": "Successfully logged out."})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSignIn_Success(t *testing.T) {
	b := &backend{}
	p := restauth.New(b.server(t).URL)

	id, err := p.SignIn(context.Background(), "user@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	if id.Token != "key-123" || id.UserID != "42" {
		t.Errorf("unexpected identity %+v", id)
	}
	if !id.ExpiresAt.IsZero() {
		t.Error("keys have no client-side expiry")
	}

	tok, err := p.IDToken(context.Background(), true)
	if err != nil || tok != "key-123" {
		t.Errorf("IDToken() = %q, %v", tok, err)
	}
}

func TestSignIn_UserLookupFailureFallsBackToEmail(t *testing.T) {
	b := &backend{userFails: true}
	p := restauth.New(b.server(t).URL)

	id, err := p.SignIn(context.Background(), "user@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	if id.UserID != "user@example.com" {
		t.Errorf("UserID = %q, want email fallback", id.UserID)
	}
}

func TestSignIn_Errors(t *testing.T) {
	b := &backend{}
	p := restauth.New(b.server(t).URL)

	_, err := p.SignIn(context.Background(), "user@example.com", "wrong")
	var ae *segunda.AuthError
	if !errors.As(err, &ae) || ae.Kind != segunda.InvalidCredentials {
		t.Errorf("expected InvalidCredentials, got %v", err)
	}

	_, err = p.SignIn(context.Background(), "busy@example.com", "secret")
	if kind, _ := segunda.AuthErrorKindOf(err); kind != segunda.RateLimited {
		t.Errorf("expected RateLimited, got %v", err)
	}

	if _, err := p.IDToken(context.Background(), false); !errors.Is(err, segunda.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestSignUp(t *testing.T) {
	b := &backend{}
	p := restauth.New(b.server(t).URL)

	tests := []struct {
		email, password string
		want            segunda.AuthErrorKind
	}{
		{"taken@example.com", "longenough", segunda.EmailInUse},
		{"new@example.com", "short", segunda.WeakPassword},
	}
	for _, tt := range tests {
		_, err := p.SignUp(context.Background(), tt.email, tt.password)
		if kind, ok := segunda.AuthErrorKindOf(err); !ok || kind != tt.want {
			t.Errorf("SignUp(%q) kind = %v, want %v (err=%v)", tt.email, kind, tt.want, err)
		}
	}

	id, err := p.SignUp(context.Background(), "new@example.com", "longenough")
	if err != nil {
		t.Fatalf("SignUp() error: %v", err)
	}
	if id.Token != "key-new" {
		t.Errorf("token = %q, want key-new", id.Token)
	}
}

func TestSignOut(t *testing.T) {
	b := &backend{}
	p := restauth.New(b.server(t).URL)

	if err := p.SignOut(context.Background()); err != nil {
		t.Errorf("SignOut() without key: %v", err)
	}
	if b.logouts.Load() != 0 {
		t.Error("no request expected without a key")
	}

	if _, err := p.SignIn(context.Background(), "user@example.com", "secret"); err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	if err := p.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error: %v", err)
	}
	if b.logouts.Load() != 1 {
		t.Errorf("logout called %d times, want 1", b.logouts.Load())
	}
	if _, err := p.IDToken(context.Background(), false); !errors.Is(err, segunda.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated after sign-out, got %v", err)
	}
}

func TestSignOut_RemoteFailureForgetsKey(t *testing.T) {
	b := &backend{}
	p := restauth.New(b.server(t).URL)
	_ = p.Resume(context.Background(), segunda.Identity{UserID: "42", Token: "stale-key"})

	if err := p.SignOut(context.Background()); err == nil {
		t.Error("expected remote error")
	}
	if _, err := p.IDToken(context.Background(), false); !errors.Is(err, segunda.ErrUnauthenticated) {
		t.Errorf("key should be forgotten, got %v", err)
	}
}

func TestResume(t *testing.T) {
	p := restauth.New("http://unused.invalid")

	if err := p.Resume(context.Background(), segunda.Identity{}); err == nil {
		t.Error("expected error without key")
	}
	if err := p.Resume(context.Background(), segunda.Identity{Token: "key-9"}); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	tok, err := p.IDToken(context.Background(), false)
	if err != nil || tok != "key-9" {
		t.Errorf("IDToken() = %q, %v", tok, err)
	}
}
