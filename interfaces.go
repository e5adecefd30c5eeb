package segunda

import "context"

// CredentialStore persists the session and the cached profile.
// Implementations: credstore/.
type CredentialStore interface {
	// Get returns the persisted session, or nil when none is stored.
	Get(ctx context.Context) (*Session, error)

	// Put atomically replaces the persisted session.
	Put(ctx context.Context, s *Session) error

	// Clear removes the session and the profile. Clearing an empty store succeeds.
	Clear(ctx context.Context) error

	// Profile returns the cached profile, or nil when none is stored.
	Profile(ctx context.Context) (*UserProfile, error)

	// PutProfile replaces the cached profile.
	PutProfile(ctx context.Context, p *UserProfile) error

	// ClearProfile removes only the cached profile.
	ClearProfile(ctx context.Context) error
}

// IdentityProvider issues and refreshes identity tokens.
// Implementations: identity/firebase, identity/restauth, fake/.
type IdentityProvider interface {
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignOut(ctx context.Context) error

	// IDToken returns the current token, refreshing it when forceRefresh is set
	// or the cached token is about to expire.
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
}

// IdentityResumer is implemented by providers that can continue a persisted
// session after a process restart.
type IdentityResumer interface {
	Resume(ctx context.Context, id Identity) error
}

// ProfileFetcher loads the signed-in user's profile from the backend.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context) (*UserProfile, error)
}

// TokenAuthority is the part of the session manager the gateway depends on.
type TokenAuthority interface {
	// Token returns a valid token for the current session.
	Token(ctx context.Context) (string, error)

	// Invalidate forces the session to LoggedOut.
	Invalidate(ctx context.Context, reason string) error
}

// SessionService owns the authentication state machine.
type SessionService interface {
	TokenAuthority

	State() State
	Session() *Session
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password, confirm string) (*Session, error)
	Refresh(ctx context.Context) (*Session, error)
	Logout(ctx context.Context) error
	Restore(ctx context.Context) (*Session, error)
}

// Listener receives session events.
type Listener func(SessionChanged)

// Subscription identifies a registered listener.
type Subscription string

// EventPublisher accepts session events for delivery.
type EventPublisher interface {
	Publish(ev SessionChanged)
}

// EventSource lets observers (the UI layer) follow session transitions.
type EventSource interface {
	Subscribe(l Listener) Subscription
	Unsubscribe(s Subscription)
}

// Requester sends authenticated requests to the application backend.
type Requester interface {
	Do(ctx context.Context, method, path string, body any) (*Response, error)
}
