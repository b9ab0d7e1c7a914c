package platform

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_DiscoverDeployments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "99")
		w.Header().Set("x-ratelimit-limit", "100")
		w.Header().Set("x-ratelimit-reset", "9999999999")
		w.Write([]byte(`{"deployments":[{"id":"d1","service":"api","environment":"prod","status":"SUCCESS"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	deps, err := c.DiscoverDeployments(t.Context(), "proj1")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "d1", deps[0].ID)
	assert.True(t, IsActive(deps[0].Status))
}

func TestClient_AuthLatchOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-token")
	_, err := c.DiscoverDeployments(t.Context(), "proj1")
	assert.ErrorIs(t, err, ErrAuth)

	// S10: latched, no further calls attempted.
	_, err = c.DiscoverDeployments(t.Context(), "proj1")
	assert.ErrorIs(t, err, ErrAuthLatched)

	c.SetToken("good-token")
	_, err = c.DiscoverDeployments(t.Context(), "proj1")
	assert.NotErrorIs(t, err, ErrAuthLatched)
}

func TestClient_CircuitBreakerCycle(t *testing.T) {
	// S5
	failing := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"deployments":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")

	for i := 0; i < 5; i++ {
		_, err := c.DiscoverDeployments(t.Context(), "proj1")
		assert.Error(t, err)
	}

	// breaker should now be open: refused locally, no request reaches the server.
	_, err := c.DiscoverDeployments(t.Context(), "proj1")
	assert.ErrorIs(t, err, ErrBreakerOpen)

	c.breaker.openedAt = time.Now().Add(-61 * time.Second)
	failing = false

	_, err = c.DiscoverDeployments(t.Context(), "proj1")
	require.NoError(t, err)
	assert.Equal(t, "closed", c.breaker.State())
}

func TestClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "0")
		w.Header().Set("x-ratelimit-limit", "100")
		w.Header().Set("x-ratelimit-reset", "9999999999")
		w.Write([]byte(`{"deployments":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.DiscoverDeployments(t.Context(), "proj1")
	require.NoError(t, err)

	_, err = c.DiscoverDeployments(t.Context(), "proj1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestReconnectBackoff(t *testing.T) {
	d, ok := ReconnectBackoff(0)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	d, ok = ReconnectBackoff(6)
	assert.True(t, ok)
	assert.Equal(t, 60*time.Second, d)

	_, ok = ReconnectBackoff(10)
	assert.False(t, ok)
}
