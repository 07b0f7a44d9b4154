// Package auth provides the reference AuthProvider the ApiClient calls
// into for bearer tokens and 401-triggered refreshes.
package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/armorclaw/syncengine/pkg/logger"
)

// Provider supplies the bearer token ApiClient attaches to every
// request, and knows how to refresh it on a 401 (spec.md §4.5).
type Provider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// OAuthProvider is the reference Provider, backed by an
// oauth2.TokenSource (client-credentials, refresh-token, or any other
// grant the caller configures upstream).
type OAuthProvider struct {
	source oauth2.TokenSource
	sec    *logger.SecurityLogger

	mu      sync.Mutex
	current *oauth2.Token
}

// New wraps an oauth2.TokenSource as a Provider. sec may be nil.
func New(source oauth2.TokenSource, sec *logger.SecurityLogger) *OAuthProvider {
	return &OAuthProvider{source: source, sec: sec}
}

// Token returns a token from the wrapped source on every call.
// oauth2.TokenSource implementations already refresh internally once a
// token is within its own expiry window, so a plain Token() call also
// transparently renews an expiring token.
func (p *OAuthProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.source.Token()
	if err != nil {
		if p.sec != nil {
			p.sec.LogAuthTokenRejected(ctx, "oauth2", err.Error())
		}
		return "", fmt.Errorf("auth: fetch token: %w", err)
	}
	p.current = tok
	return tok.AccessToken, nil
}

// Refresh forces a new token fetch, bypassing any cached value. Called
// by ApiClient after a 401 (spec.md §4.5: "at most one refresh per
// attempt").
func (p *OAuthProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	tok, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	if p.sec != nil {
		p.sec.LogAuthTokenRefresh(ctx, "oauth2")
	}
	return tok, nil
}
