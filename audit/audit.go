// Package audit records session transitions as structured audit events.
//
// A Logger subscribes to an EventSource and fans each transition out to its
// handlers on a background goroutine, so listeners on the bus never block.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	segunda "github.com/chimerakang/segunda-go"
)

// Results recorded on events.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultEnded   = "ended"
	ResultPending = "pending"
)

// Event is one audited session transition.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"` // sign_in, sign_up, refresh, logout, invalidate, restore
	State     string    `json:"state"`
	Previous  string    `json:"previous"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
}

// Handler processes audit events. Implementations should not block.
type Handler func(event Event)

// Logger emits audit events to configured handlers.
type Logger struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures Logger behavior.
type Option func(*Logger)

// WithJSONHandler adds a handler writing one JSON event per line to w.
func WithJSONHandler(w io.Writer) Option {
	var mu sync.Mutex
	return WithHandler(func(e Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "%s\n", data)
		mu.Unlock()
	})
}

// WithSlogHandler adds a handler logging events at info level.
func WithSlogHandler(l *slog.Logger) Option {
	return WithHandler(func(e Event) {
		l.Info("session audit",
			"action", e.Action,
			"result", e.Result,
			"state", e.State,
			"previous", e.Previous,
			"user_id", e.UserID,
			"reason", e.Reason,
		)
	})
}

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Logger) {
		l.handlers = append(l.handlers, h)
	}
}

// New creates a new audit logger with buffered async emission.
// bufferSize: event queue buffer size (default: 1000).
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	logger := &Logger{
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(logger)
	}

	logger.wg.Add(1)
	go logger.process()
	return logger
}

// Attach subscribes the logger to src. The returned subscription can be
// passed to src.Unsubscribe.
func (l *Logger) Attach(src segunda.EventSource) segunda.Subscription {
	return src.Subscribe(l.Listener())
}

// Listener converts session events into audit events.
func (l *Logger) Listener() segunda.Listener {
	return func(ev segunda.SessionChanged) {
		l.Log(FromSessionChanged(ev))
	}
}

// Log emits an audit event asynchronously. Events logged after Close are dropped.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- event:
	case <-l.done:
	}
}

func (l *Logger) process() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.queue:
			l.emit(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.emit(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) emit(event Event) {
	for _, h := range l.handlers {
		h(event)
	}
}

// Close flushes pending events and stops the logger.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

// FromSessionChanged maps a transition to an audit event. The action comes
// from the reason the session manager attached to the transition.
func FromSessionChanged(ev segunda.SessionChanged) Event {
	e := Event{
		Timestamp: ev.At,
		UserID:    ev.UserID,
		State:     ev.State.String(),
		Previous:  ev.Previous.String(),
		Reason:    ev.Reason,
	}

	switch ev.State {
	case segunda.Authenticating:
		e.Action, e.Result = actionOf(ev.Reason), ResultPending
	case segunda.Refreshing:
		e.Action, e.Result = "refresh", ResultPending
	case segunda.LoggedIn:
		e.Result = ResultSuccess
		switch ev.Previous {
		case segunda.Refreshing:
			e.Action = "refresh"
		case segunda.LoggedOut:
			e.Action = "restore"
		default:
			e.Action = actionOf(ev.Reason)
		}
	case segunda.LoggedOut:
		switch {
		case ev.Reason == "logout":
			e.Action, e.Result = "logout", ResultEnded
		case ev.Previous == segunda.Authenticating:
			e.Action, e.Result = actionOf(ev.Reason), ResultFailure
		case ev.Previous == segunda.Refreshing:
			e.Action, e.Result = "refresh", ResultFailure
		default:
			e.Action, e.Result = "invalidate", ResultEnded
		}
	}
	return e
}

// actionOf recovers the authentication method from a transition reason such
// as "sign_up" or "sign_up failed".
func actionOf(reason string) string {
	if strings.HasPrefix(reason, "sign_up") {
		return "sign_up"
	}
	return "sign_in"
}
