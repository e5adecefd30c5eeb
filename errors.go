package segunda

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when no valid session exists.
	ErrUnauthenticated = errors.New("segunda: unauthenticated")

	// ErrAlreadyInProgress is returned when a sign-in, sign-up or refresh is already running.
	ErrAlreadyInProgress = errors.New("segunda: authentication already in progress")

	// ErrAlreadyAuthenticated is returned by sign-in and sign-up while a session exists.
	ErrAlreadyAuthenticated = errors.New("segunda: already authenticated")
)

// ValidationError is a local precondition failure. It never involves the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "segunda: validation: " + e.Reason
	}
	return fmt.Sprintf("segunda: validation: %s: %s", e.Field, e.Reason)
}

// AuthErrorKind classifies failures reported by an identity provider.
type AuthErrorKind int

const (
	AuthUnknown AuthErrorKind = iota
	InvalidCredentials
	UnknownAccount
	EmailInUse
	WeakPassword
	InvalidEmail
	RateLimited
	AccountDisabled
)

func (k AuthErrorKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid_credentials"
	case UnknownAccount:
		return "unknown_account"
	case EmailInUse:
		return "email_in_use"
	case WeakPassword:
		return "weak_password"
	case InvalidEmail:
		return "invalid_email"
	case RateLimited:
		return "rate_limited"
	case AccountDisabled:
		return "account_disabled"
	default:
		return "unknown"
	}
}

// AuthError is an identity provider rejection. Code carries the provider's raw code.
type AuthError struct {
	Kind AuthErrorKind
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	msg := "segunda: auth: " + e.Kind.String()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError means no response was received (connection failure or timeout).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("segunda: network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *NetworkError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// APIError is a non-2xx backend response other than 401.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	const limit = 256
	body := string(e.Body)
	if len(body) > limit {
		body = body[:limit] + "..."
	}
	return fmt.Sprintf("segunda: api: status %d: %s", e.StatusCode, body)
}

// StorageError is a persistence read or write failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("segunda: storage: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AuthErrorKindOf returns the AuthErrorKind carried by err, or AuthUnknown.
func AuthErrorKindOf(err error) (AuthErrorKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return AuthUnknown, false
}
