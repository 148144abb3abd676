package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"relaybot/models"
)

type tokenServer struct {
	*httptest.Server
	hits    atomic.Int32
	release chan struct{}
	rotate  bool
	status  int
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.hits.Add(1)
		if ts.release != nil {
			<-ts.release
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if ts.status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ts.status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		refresh := ""
		if ts.rotate {
			refresh = fmt.Sprintf(`,"refresh_token":"rotated-%d"`, n)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":3600%s}`, n, refresh)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(ts *tokenServer, creds Credentials) *TokenManager {
	return NewTokenManager(models.Spotify, creds, oauth2.Endpoint{
		TokenURL:  ts.URL,
		AuthStyle: oauth2.AuthStyleInHeader,
	}, ts.Client())
}

var testCreds = Credentials{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh"}

func TestEnsureCachesToken(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, testCreds)

	first, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	second, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "access-1", first.AccessToken)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.EqualValues(t, 1, ts.hits.Load())
}

func TestEnsureForceRefreshes(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, testCreds)

	_, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	token, err := m.Ensure(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, "access-2", token.AccessToken)
	assert.EqualValues(t, 2, ts.hits.Load())
}

func TestEnsureRefreshesNearExpiry(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, testCreds)

	_, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)

	// one hour token, four seconds left
	m.now = func() time.Time { return time.Now().Add(time.Hour - 4*time.Second) }
	token, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "access-2", token.AccessToken)
}

func TestEnsureCollapsesConcurrentRefreshes(t *testing.T) {
	ts := newTokenServer(t)
	ts.release = make(chan struct{})
	m := newTestManager(ts, testCreds)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := m.Ensure(context.Background(), false)
			if err == nil {
				results[i] = token.AccessToken
			}
		}(i)
	}

	require.Eventually(t, func() bool { return ts.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	// give the other callers a chance to pile up behind the in-flight refresh
	time.Sleep(20 * time.Millisecond)
	close(ts.release)
	wg.Wait()

	assert.EqualValues(t, 1, ts.hits.Load())
	for _, got := range results {
		assert.Equal(t, "access-1", got)
	}
}

func TestEnsureKeepsRotatedRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.rotate = true
	m := newTestManager(ts, testCreds)

	_, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "rotated-1", m.RefreshToken())
}

func TestEnsureFailureIsAuthKind(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
	}{
		{"rejected grant", testCreds},
		{"missing refresh token", Credentials{ClientID: "id", ClientSecret: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t)
			ts.status = http.StatusBadRequest
			m := newTestManager(ts, tt.creds)

			_, err := m.Ensure(context.Background(), false)
			require.Error(t, err)
			assert.Equal(t, models.KindAuth, models.KindOf(err))
			assert.Equal(t, models.Spotify, mustPlatform(t, err))
		})
	}
}

func TestInvalidateForcesNextRefresh(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, testCreds)

	_, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	m.Invalidate()
	_, err = m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ts.hits.Load())
}

func mustPlatform(t *testing.T, err error) models.Platform {
	t.Helper()
	relayErr, ok := models.AsError(err)
	require.True(t, ok)
	return relayErr.Platform
}
