package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/roach88/syncql/internal/syncerr"
)

func TestCredentials_Valid(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, Credentials{}.Valid(now, 0))
	assert.True(t, Credentials{Token: "t"}.Valid(now, time.Hour), "zero expiry never expires")
	assert.True(t, Credentials{Token: "t", Expiry: now.Add(time.Minute)}.Valid(now, 30*time.Second))
	assert.False(t, Credentials{Token: "t", Expiry: now.Add(time.Minute)}.Valid(now, 2*time.Minute))
}

func TestStatic_SignedOut(t *testing.T) {
	_, err := NewStatic("", time.Time{}).CurrentToken(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))
	assert.ErrorIs(t, err, ErrSignedOut)
}

func TestStatic_Expired(t *testing.T) {
	p := NewStatic("tok", time.Now().Add(-time.Minute))
	_, err := p.CurrentToken(context.Background())
	assert.True(t, syncerr.IsAuth(err))
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("abc123\n"), 0o600))

	p, err := FromFile(path)
	require.NoError(t, err)

	creds, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", creds.Token)
}

func TestRefreshing_CachesUntilExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	p := NewRefreshing(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		return Credentials{Token: "tok", Expiry: now.Add(time.Hour)}, nil
	}, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		creds, err := p.CurrentToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok", creds.Token)
	}
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(59*time.Minute + 45*time.Second) // inside the default skew
	_, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshing_CollapsesConcurrentRefreshes(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	p := NewRefreshing(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		<-release
		return Credentials{Token: "shared"}, nil
	})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := p.CurrentToken(context.Background())
			if err == nil {
				results[i] = creds.Token
			}
		}(i)
	}

	// Let the goroutines pile onto the in-flight refresh before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, "shared", got)
	}
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestRefreshing_ErrorIsAuth(t *testing.T) {
	p := NewRefreshing(func(ctx context.Context) (Credentials, error) {
		return Credentials{}, errors.New("issuer unreachable")
	})

	_, err := p.CurrentToken(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))
	assert.Contains(t, err.Error(), "issuer unreachable")
}

func TestRefreshing_Invalidate(t *testing.T) {
	var calls atomic.Int32
	p := NewRefreshing(func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		return Credentials{Token: "tok"}, nil
	})

	_, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	p.Invalidate()
	_, err = p.CurrentToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestFromTokenSource(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	p := FromTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access", Expiry: expiry}))

	creds, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", creds.Token)
	assert.True(t, creds.Expiry.Equal(expiry))
}

func TestFromTokenSource_PrefersIDToken(t *testing.T) {
	tok := (&oauth2.Token{AccessToken: "access"}).WithExtra(map[string]any{"id_token": "identity"})
	p := FromTokenSource(oauth2.StaticTokenSource(tok))

	creds, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "identity", creds.Token)
}

func TestFromTokenSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FromTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "a"})).CurrentToken(ctx)
	assert.True(t, syncerr.IsAuth(err))
}
