package health_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylake-tv/runnerd/src/internal/health"
	"github.com/skylake-tv/runnerd/src/pkg/models"
)

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestProbe(t *testing.T) {
	t.Parallel()
	prober := health.NewProber()

	t.Run("ready", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		require.Equal(t, models.HealthUpReady, prober.Probe(t.Context(), portOf(t, srv)))
	})

	t.Run("login required", func(t *testing.T) {
		for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			got := prober.Probe(t.Context(), portOf(t, srv))
			srv.Close()
			require.Equal(t, models.HealthUpUnauthenticated, got, "status %d", code)
		}
	})

	t.Run("error responses still mean up", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		require.Equal(t, models.HealthUpReady, prober.Probe(t.Context(), portOf(t, srv)))
	})

	t.Run("down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		port := portOf(t, srv)
		srv.Close()

		require.Equal(t, models.HealthDown, prober.Probe(t.Context(), port))
	})
}

func TestWaitReady(t *testing.T) {
	t.Parallel()
	prober := health.NewProber()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	got := prober.WaitReady(t.Context(), portOf(t, srv), 10*time.Millisecond)
	require.Equal(t, models.HealthUpReady, got)
	require.GreaterOrEqual(t, hits, 3)
}
