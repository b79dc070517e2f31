package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authServer(t *testing.T, password string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(Result{UserID: 42, Name: req.Username, Groups: []string{"regulars"}})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestAuthenticateSuccess(t *testing.T) {
	srv, _ := authServer(t, "hunter2")
	a := New(Config{URL: srv.URL, CacheTTL: time.Minute}, nil)

	res, err := a.Authenticate(context.Background(), "alice", "hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.UserID)
	assert.Equal(t, []string{"regulars"}, res.Groups)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	srv, _ := authServer(t, "hunter2")
	a := New(Config{URL: srv.URL}, nil)

	_, err := a.Authenticate(context.Background(), "alice", "wrong", "")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestNoURLMeansUnregistered(t *testing.T) {
	a := New(Config{}, nil)
	res, err := a.Authenticate(context.Background(), "guest", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.UserID)
}

func TestCacheFallbackWhenDown(t *testing.T) {
	srv, _ := authServer(t, "hunter2")
	a := New(Config{
		URL:                srv.URL,
		CacheTTL:           time.Minute,
		AllowCacheFallback: true,
	}, nil)

	_, err := a.Authenticate(context.Background(), "alice", "hunter2", "")
	require.NoError(t, err)

	srv.Close()

	res, err := a.Authenticate(context.Background(), "alice", "hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.UserID)

	// Wrong password must not ride the cache.
	_, err = a.Authenticate(context.Background(), "alice", "wrong", "")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestNoFallbackWithoutOptIn(t *testing.T) {
	srv, _ := authServer(t, "hunter2")
	a := New(Config{URL: srv.URL, CacheTTL: time.Minute}, nil)

	_, err := a.Authenticate(context.Background(), "alice", "hunter2", "")
	require.NoError(t, err)
	srv.Close()

	_, err = a.Authenticate(context.Background(), "alice", "hunter2", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerStopsHammering(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	a := New(Config{URL: srv.URL}, nil)
	for i := 0; i < 10; i++ {
		_, err := a.Authenticate(context.Background(), "alice", "pw", "")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	// Three failures trip the breaker; later attempts never hit the wire.
	assert.Equal(t, int64(3), hits.Load())
}

func TestSweepExpiresEntries(t *testing.T) {
	srv, _ := authServer(t, "hunter2")
	a := New(Config{URL: srv.URL, CacheTTL: time.Millisecond}, nil)

	_, err := a.Authenticate(context.Background(), "alice", "hunter2", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, a.Sweep())
	assert.Zero(t, a.Sweep())
}
