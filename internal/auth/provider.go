// Package auth supplies bearer credentials to the transport and the sync
// engine. Token issuance and sign-in flows live outside this repository;
// providers here only hand out, cache, and refresh what an external issuer
// produces.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/syncql/internal/syncerr"
)

// DefaultExpirySkew is subtracted from a token's expiry so it is refreshed
// before the server starts rejecting it.
const DefaultExpirySkew = 30 * time.Second

// Credentials is a short-lived bearer token. A zero Expiry means the token
// does not expire.
type Credentials struct {
	Token  string
	Expiry time.Time
}

// Valid reports whether the credentials are usable at now, given skew.
func (c Credentials) Valid(now time.Time, skew time.Duration) bool {
	if c.Token == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(c.Expiry)
}

// TokenProvider hands out the current credentials. Any failure is reported
// as a syncerr AUTH error; callers treat it as fatal for the current
// operation.
type TokenProvider interface {
	CurrentToken(ctx context.Context) (Credentials, error)
}

// ErrSignedOut is returned when no credentials have been issued yet.
var ErrSignedOut = errors.New("user is signed out")

// Static returns the same credentials on every call.
type Static struct {
	creds Credentials
	now   func() time.Time
}

// NewStatic creates a provider for a fixed token. An empty token behaves as
// signed out.
func NewStatic(token string, expiry time.Time) *Static {
	return &Static{creds: Credentials{Token: token, Expiry: expiry}, now: time.Now}
}

// CurrentToken implements TokenProvider.
func (s *Static) CurrentToken(ctx context.Context) (Credentials, error) {
	if s.creds.Token == "" {
		return Credentials{}, syncerr.Auth(ErrSignedOut)
	}
	if !s.creds.Valid(s.now(), 0) {
		return Credentials{}, syncerr.Auth(fmt.Errorf("token expired at %s", s.creds.Expiry.Format(time.RFC3339)))
	}
	return s.creds, nil
}

// FromFile reads a bearer token from a file (trailing whitespace trimmed).
// The file is read once.
func FromFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return NewStatic(strings.TrimSpace(string(data)), time.Time{}), nil
}

// RefreshFunc obtains fresh credentials from the external issuer.
type RefreshFunc func(ctx context.Context) (Credentials, error)

// Refreshing caches credentials until they approach expiry, then calls the
// refresh function. Concurrent callers that observe an expired token share a
// single refresh.
//
// Thread-safety: safe for concurrent use.
type Refreshing struct {
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	current Credentials
	group   singleflight.Group
}

// RefreshingOption configures a Refreshing provider.
type RefreshingOption func(*Refreshing)

// WithSkew overrides DefaultExpirySkew.
func WithSkew(skew time.Duration) RefreshingOption {
	return func(r *Refreshing) { r.skew = skew }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) RefreshingOption {
	return func(r *Refreshing) { r.now = now }
}

// NewRefreshing wraps refresh with caching and refresh deduplication.
func NewRefreshing(refresh RefreshFunc, opts ...RefreshingOption) *Refreshing {
	r := &Refreshing{
		refresh: refresh,
		skew:    DefaultExpirySkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentToken implements TokenProvider.
func (r *Refreshing) CurrentToken(ctx context.Context) (Credentials, error) {
	r.mu.RLock()
	cur := r.current
	r.mu.RUnlock()
	if cur.Valid(r.now(), r.skew) {
		return cur, nil
	}

	ch := r.group.DoChan("refresh", func() (any, error) {
		creds, err := r.refresh(context.WithoutCancel(ctx))
		if err != nil {
			return Credentials{}, err
		}
		if creds.Token == "" {
			return Credentials{}, ErrSignedOut
		}
		r.mu.Lock()
		r.current = creds
		r.mu.Unlock()
		return creds, nil
	})

	select {
	case <-ctx.Done():
		return Credentials{}, syncerr.Auth(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, syncerr.Auth(res.Err)
		}
		return res.Val.(Credentials), nil
	}
}

// Invalidate drops the cached credentials so the next call refreshes. The
// transport calls this after the server rejects a token.
func (r *Refreshing) Invalidate() {
	r.mu.Lock()
	r.current = Credentials{}
	r.mu.Unlock()
}

// FromTokenSource adapts an oauth2.TokenSource. The source is wrapped in
// oauth2.ReuseTokenSource so it is only consulted when the token expires.
func FromTokenSource(ts oauth2.TokenSource) TokenProvider {
	return &tokenSource{ts: oauth2.ReuseTokenSource(nil, ts)}
}

type tokenSource struct {
	ts oauth2.TokenSource
}

func (t *tokenSource) CurrentToken(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, syncerr.Auth(err)
	}
	tok, err := t.ts.Token()
	if err != nil {
		return Credentials{}, syncerr.Auth(err)
	}
	// Identity-token flows put the bearer in the id_token extra.
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		return Credentials{Token: idToken, Expiry: tok.Expiry}, nil
	}
	return Credentials{Token: tok.AccessToken, Expiry: tok.Expiry}, nil
}

// ClientCredentialsConfig describes an OAuth2 client-credentials issuer.
type ClientCredentialsConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewClientCredentials returns a provider backed by the OAuth2
// client-credentials grant.
func NewClientCredentials(ctx context.Context, cfg ClientCredentialsConfig) TokenProvider {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return FromTokenSource(cc.TokenSource(ctx))
}
