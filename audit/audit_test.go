package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	segunda "github.com/chimerakang/segunda-go"
	"github.com/chimerakang/segunda-go/events"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestEventEmission(t *testing.T) {
	var c collector
	logger := New(10, WithHandler(c.handle))

	logger.Log(Event{Action: "sign_in", Result: ResultSuccess, UserID: "user123"})
	logger.Close()

	events := c.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].UserID != "user123" {
		t.Errorf("expected user123, got %s", events[0].UserID)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestMultipleHandlers(t *testing.T) {
	var c1, c2 collector
	logger := New(10, WithHandler(c1.handle), WithHandler(c2.handle))

	logger.Log(Event{Action: "logout", Result: ResultEnded})
	logger.Close()

	if n := len(c1.all()); n != 1 {
		t.Errorf("handler1: expected 1 event, got %d", n)
	}
	if n := len(c2.all()); n != 1 {
		t.Errorf("handler2: expected 1 event, got %d", n)
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	var c collector
	logger := New(5, WithHandler(func(e Event) {
		time.Sleep(10 * time.Millisecond)
		c.handle(e)
	}))

	for i := 0; i < 5; i++ {
		logger.Log(Event{Action: "refresh", Result: ResultSuccess})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if n := len(c.all()); n != 5 {
		t.Errorf("expected 5 events processed, got %d", n)
	}

	logger.Log(Event{Action: "late"})
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if n := len(c.all()); n != 5 {
		t.Errorf("event after Close was delivered: %d events", n)
	}
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(10, WithJSONHandler(&buf))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	logger.Log(Event{Timestamp: at, Action: "invalidate", Result: ResultEnded, Reason: "unauthorized"})
	logger.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if got["action"] != "invalidate" || got["reason"] != "unauthorized" {
		t.Errorf("decoded = %v", got)
	}
	if _, ok := got["user_id"]; ok {
		t.Error("empty user_id should be omitted")
	}
}

func TestFromSessionChanged(t *testing.T) {
	tests := []struct {
		name       string
		ev         segunda.SessionChanged
		wantAction string
		wantResult string
	}{
		{"sign in started", segunda.SessionChanged{State: segunda.Authenticating, Previous: segunda.LoggedOut, Reason: "sign_in"}, "sign_in", ResultPending},
		{"sign up succeeded", segunda.SessionChanged{State: segunda.LoggedIn, Previous: segunda.Authenticating, Reason: "sign_up"}, "sign_up", ResultSuccess},
		{"sign up failed", segunda.SessionChanged{State: segunda.LoggedOut, Previous: segunda.Authenticating, Reason: "sign_up failed"}, "sign_up", ResultFailure},
		{"sign in failed", segunda.SessionChanged{State: segunda.LoggedOut, Previous: segunda.Authenticating, Reason: "sign_in failed"}, "sign_in", ResultFailure},
		{"refresh started", segunda.SessionChanged{State: segunda.Refreshing, Previous: segunda.LoggedIn, Reason: "refresh"}, "refresh", ResultPending},
		{"refresh succeeded", segunda.SessionChanged{State: segunda.LoggedIn, Previous: segunda.Refreshing, Reason: "refresh"}, "refresh", ResultSuccess},
		{"refresh failed", segunda.SessionChanged{State: segunda.LoggedOut, Previous: segunda.Refreshing, Reason: "refresh failed"}, "refresh", ResultFailure},
		{"restored", segunda.SessionChanged{State: segunda.LoggedIn, Previous: segunda.LoggedOut, Reason: "restored"}, "restore", ResultSuccess},
		{"logout", segunda.SessionChanged{State: segunda.LoggedOut, Previous: segunda.LoggedIn, Reason: "logout"}, "logout", ResultEnded},
		{"logout during sign in", segunda.SessionChanged{State: segunda.LoggedOut, Previous: segunda.Authenticating, Reason: "logout"}, "logout", ResultEnded},
		{"unauthorized", segunda.SessionChanged{State: segunda.LoggedOut, Previous: segunda.LoggedIn, Reason: "unauthorized"}, "invalidate", ResultEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromSessionChanged(tt.ev)
			if e.Action != tt.wantAction || e.Result != tt.wantResult {
				t.Errorf("got %s/%s, want %s/%s", e.Action, e.Result, tt.wantAction, tt.wantResult)
			}
			if e.State != tt.ev.State.String() || e.Previous != tt.ev.Previous.String() {
				t.Errorf("states = %s <- %s", e.State, e.Previous)
			}
		})
	}
}

func TestAttach(t *testing.T) {
	var c collector
	logger := New(10, WithHandler(c.handle))
	bus := events.New()

	if sub := logger.Attach(bus); sub == "" {
		t.Fatal("Attach() returned an empty subscription")
	}
	bus.Publish(segunda.SessionChanged{State: segunda.Authenticating, Previous: segunda.LoggedOut, Reason: "sign_in"})
	bus.Publish(segunda.SessionChanged{State: segunda.LoggedIn, Previous: segunda.Authenticating, Reason: "sign_in", UserID: "uid-1"})

	if err := bus.Close(); err != nil {
		t.Fatalf("bus Close() error: %v", err)
	}
	logger.Close()

	got := c.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(got), got)
	}
	if got[1].Action != "sign_in" || got[1].Result != ResultSuccess || got[1].UserID != "uid-1" {
		t.Errorf("second event = %+v", got[1])
	}
}
