package session

import (
	"context"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx    context.Context
	m      *Manager
	scheme string
}

// TokenSource adapts the manager to oauth2.TokenSource so an oauth2.Transport
// can authorize requests that bypass the gateway. scheme becomes the token
// type, e.g. "Bearer" or "Token".
func (m *Manager) TokenSource(ctx context.Context, scheme string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m, scheme: scheme}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.m.Token(ts.ctx)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: token, TokenType: ts.scheme}
	if s := ts.m.Session(); s != nil && s.Token == token {
		tok.Expiry = s.ExpiresAt
	}
	return tok, nil
}
