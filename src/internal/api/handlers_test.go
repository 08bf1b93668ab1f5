package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylake-tv/runnerd/src/internal/api"
	"github.com/skylake-tv/runnerd/src/internal/artifact"
	"github.com/skylake-tv/runnerd/src/internal/config"
	"github.com/skylake-tv/runnerd/src/internal/download"
	"github.com/skylake-tv/runnerd/src/internal/fetch"
	"github.com/skylake-tv/runnerd/src/internal/health"
	"github.com/skylake-tv/runnerd/src/internal/process"
	"github.com/skylake-tv/runnerd/src/internal/redirect"
	"github.com/skylake-tv/runnerd/src/internal/update"
)

func newTestServer(t *testing.T) *api.Server {
	t.Helper()
	dir := t.TempDir()

	store, err := config.Load(filepath.Join(dir, "settings.yaml"))
	require.NoError(t, err)

	locks := artifact.NewLocks()
	sv := process.NewSupervisor(dir, process.NewPIDFile(filepath.Join(dir, "server.pid")), locks)
	orch := update.NewOrchestrator(store, fetch.NewClient(),
		download.NewCoordinator(download.NewHTTPEngine()), nil, locks, dir, "1.0.0")
	seq := redirect.NewSequencer(nil)

	srv := api.NewServer(t.Context(), sv, health.NewProber(), orch, seq, store)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *api.Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec, payload
}

func TestServerStatus(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, payload := do(t, srv, http.MethodGet, "/api/v1/server/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "stopped", payload["state"])
}

func TestServerStopWhenStopped(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, payload := do(t, srv, http.MethodPost, "/api/v1/server/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "server not running", payload["message"])
}

func TestServerStartInvalidBinary(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, payload := do(t, srv, http.MethodPost, "/api/v1/server/start", "{}")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, payload["error"], "invalid")
}

func TestRedirectFlow(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, payload := do(t, srv, http.MethodGet, "/api/v1/redirect/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "idle", payload["phase"])

	rec, payload = do(t, srv, http.MethodPost, "/api/v1/redirect/arm", `{"countdown_seconds": 30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "armed", payload["phase"])

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/redirect/arm", `{"countdown_seconds": 30}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, srv, http.MethodPost, "/api/v1/redirect/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		_, p := do(t, srv, http.MethodGet, "/api/v1/redirect/status", "")
		return p["phase"] == "cancelled"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConfig(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, payload := do(t, srv, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, payload, "settings")
	require.Contains(t, payload["playlist_url"], "/playlist.m3u")
}

// A check that cannot reach the remote answers "no update", same as
// the background pass, rather than surfacing a gateway error.
func TestUpdateCheckFailureReportsNoUpdate(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, payload := do(t, srv, http.MethodPost, "/api/v1/update/check", "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	decision, ok := payload["decision"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, false, decision["available"])
}

func TestUpdateStatusEmpty(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, _ := do(t, srv, http.MethodGet, "/api/v1/update/status", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, _ := do(t, srv, http.MethodDelete, "/api/v1/server/status", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec, payload := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", payload["status"])
}
