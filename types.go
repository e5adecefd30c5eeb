package segunda

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// State is the authentication state owned by the session manager.
type State int

const (
	LoggedOut State = iota
	Authenticating
	LoggedIn
	Refreshing
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Authenticating:
		return "authenticating"
	case LoggedIn:
		return "logged_in"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the authenticated state bundle held by the client.
// A Session exists if and only if the user is authenticated.
type Session struct {
	Token        string
	RefreshToken string
	IssuedAt     time.Time
	// ExpiresAt is zero for opaque tokens that never expire client-side.
	ExpiresAt time.Time
	UserID    string
	Email     string
	Profile   *UserProfile
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Profile != nil {
		p := *s.Profile
		c.Profile = &p
	}
	return &c
}

// UserProfile is the cached profile of the signed-in user.
type UserProfile struct {
	UserID        string `json:"user_id"`
	DisplayName   string `json:"display_name"`
	Email         string `json:"email"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	LocationLabel string `json:"location_label,omitempty"`
}

// Identity is what an identity provider returns after sign-in or sign-up.
type Identity struct {
	UserID       string
	Email        string
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

// SessionChanged is published on every session state transition.
type SessionChanged struct {
	State    State
	Previous State
	UserID   string
	Reason   string
	At       time.Time
}

// Response is a successful (2xx) backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("segunda: empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("segunda: decode response: %w", err)
	}
	return nil
}
