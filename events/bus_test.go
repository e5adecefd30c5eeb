package events

import (
	"sync"
	"testing"
	"time"

	segunda "github.com/chimerakang/segunda-go"
)

type recorder struct {
	mu     sync.Mutex
	events []segunda.SessionChanged
}

func (r *recorder) listen(ev segunda.SessionChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []segunda.SessionChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]segunda.SessionChanged, len(r.events))
	copy(out, r.events)
	return out
}

func TestPublish_DeliversInOrder(t *testing.T) {
	rec := &recorder{}
	bus := New(WithListener(rec.listen))

	states := []segunda.State{segunda.Authenticating, segunda.LoggedIn, segunda.Refreshing, segunda.LoggedIn, segunda.LoggedOut}
	for _, s := range states {
		bus.Publish(segunda.SessionChanged{State: s})
	}
	bus.Close()

	got := rec.snapshot()
	if len(got) != len(states) {
		t.Fatalf("expected %d events, got %d", len(states), len(got))
	}
	for i, s := range states {
		if got[i].State != s {
			t.Errorf("event %d: state = %v, want %v", i, got[i].State, s)
		}
		if got[i].At.IsZero() {
			t.Errorf("event %d: timestamp should be set", i)
		}
	}
}

func TestPublish_SubscriptionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	bus := New()
	for _, name := range []string{"first", "second", "third"} {
		name := name
		bus.Subscribe(func(segunda.SessionChanged) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		})
	}

	bus.Publish(segunda.SessionChanged{State: segunda.LoggedIn})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	kept, dropped := &recorder{}, &recorder{}
	bus := New()
	bus.Subscribe(kept.listen)
	handle := bus.Subscribe(dropped.listen)

	bus.Unsubscribe(handle)
	bus.Unsubscribe("unknown")
	bus.Publish(segunda.SessionChanged{State: segunda.LoggedOut})
	bus.Close()

	if len(kept.snapshot()) != 1 {
		t.Errorf("kept listener: expected 1 event, got %d", len(kept.snapshot()))
	}
	if len(dropped.snapshot()) != 0 {
		t.Errorf("unsubscribed listener: expected 0 events, got %d", len(dropped.snapshot()))
	}
}

func TestSubscribe_UniqueHandles(t *testing.T) {
	bus := New()
	defer bus.Close()

	a := bus.Subscribe(func(segunda.SessionChanged) {})
	b := bus.Subscribe(func(segunda.SessionChanged) {})
	if a == b {
		t.Errorf("handles should differ, both %q", a)
	}
}

func TestListenerPanic_DoesNotStopDelivery(t *testing.T) {
	rec := &recorder{}
	bus := New()
	bus.Subscribe(func(segunda.SessionChanged) { panic("boom") })
	bus.Subscribe(rec.listen)

	bus.Publish(segunda.SessionChanged{State: segunda.LoggedIn})
	bus.Publish(segunda.SessionChanged{State: segunda.LoggedOut})
	bus.Close()

	if len(rec.snapshot()) != 2 {
		t.Errorf("expected 2 events after panicking listener, got %d", len(rec.snapshot()))
	}
}

func TestPublish_ListenerMayPublish(t *testing.T) {
	rec := &recorder{}
	bus := New()
	bus.Subscribe(func(ev segunda.SessionChanged) {
		if ev.State == segunda.Refreshing {
			bus.Publish(segunda.SessionChanged{State: segunda.LoggedIn})
		}
	})
	bus.Subscribe(rec.listen)

	bus.Publish(segunda.SessionChanged{State: segunda.Refreshing})

	deadline := time.Now().Add(time.Second)
	for len(rec.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Close()

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].State != segunda.LoggedIn {
		t.Errorf("second event = %v, want logged_in", got[1].State)
	}
}

func TestClose_DropsLaterEvents(t *testing.T) {
	rec := &recorder{}
	bus := New(WithListener(rec.listen))
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	bus.Publish(segunda.SessionChanged{State: segunda.LoggedIn})
	if len(rec.snapshot()) != 0 {
		t.Errorf("expected no events after Close, got %d", len(rec.snapshot()))
	}
}
