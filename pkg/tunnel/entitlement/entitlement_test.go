package entitlement

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

func TestClient_Check(t *testing.T) {
	cred := token.BareToken("tok-1")

	t.Run("entitled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			w.Write([]byte(`{"entitlements":["vpn","premium"]}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, token.EntitlementVPN)
		require.NoError(t, c.Check(context.Background(), cred, PolicyForceRefresh))
	})

	t.Run("entitlement absent is revoked", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"entitlements":["other"]}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, token.EntitlementVPN)
		err := c.Check(context.Background(), cred, PolicyForceRefresh)
		require.ErrorIs(t, err, ErrAccessRevoked)
	})

	t.Run("unauthorized is revoked without retry", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, token.EntitlementVPN)
		err := c.Check(context.Background(), cred, PolicyForceRefresh)
		require.ErrorIs(t, err, ErrAccessRevoked)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("server errors are retried and stay indeterminate", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, token.EntitlementVPN)
		err := c.Check(context.Background(), cred, PolicyForceRefresh)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAccessRevoked)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("cached policy serves fresh verdict without round trip", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(`{"entitlements":["vpn"]}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, token.EntitlementVPN, WithCacheTTL(time.Minute))
		require.NoError(t, c.Check(context.Background(), cred, PolicyForceRefresh))
		require.NoError(t, c.Check(context.Background(), cred, PolicyCached))
		assert.Equal(t, int32(1), calls.Load())

		// Force refresh always hits the backend.
		require.NoError(t, c.Check(context.Background(), cred, PolicyForceRefresh))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("cache expires", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(`{"entitlements":["vpn"]}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, token.EntitlementVPN, WithCacheTTL(time.Minute))
		now := time.Now()
		c.now = func() time.Time { return now }

		require.NoError(t, c.Check(context.Background(), cred, PolicyCached))
		assert.Equal(t, int32(1), calls.Load())

		now = now.Add(2 * time.Minute)
		require.NoError(t, c.Check(context.Background(), cred, PolicyCached))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("cache is per credential", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Write([]byte(`{"entitlements":["vpn"]}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, token.EntitlementVPN, WithCacheTTL(time.Minute))
		require.NoError(t, c.Check(context.Background(), token.BareToken("a"), PolicyCached))
		require.NoError(t, c.Check(context.Background(), token.BareToken("b"), PolicyCached))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("nil credential", func(t *testing.T) {
		c := NewClient("http://unreachable.invalid", token.EntitlementVPN)
		err := c.Check(context.Background(), nil, PolicyCached)
		require.ErrorIs(t, err, token.ErrMissingCredential)
	})
}
