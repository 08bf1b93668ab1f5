package fetch_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skylake-tv/runnerd/src/internal/fetch"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRelease(t *testing.T) {
	t.Parallel()
	client := fetch.NewClient()

	t.Run("parses tag and first asset", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{
			"tag_name": "v1.3.0",
			"published_at": "2026-01-15T10:00:00Z",
			"assets": [
				{"name": "server-1.3.0.bin", "browser_download_url": "http://dl/server-1.3.0.bin", "size": 1024},
				{"name": "checksums.txt", "browser_download_url": "http://dl/checksums.txt", "size": 64}
			]
		}`)

		info, err := client.Release(t.Context(), srv.URL)
		require.NoError(t, err)
		require.Equal(t, "1.3.0", info.Version)
		require.Equal(t, "server-1.3.0.bin", info.AssetName)
		require.Equal(t, "http://dl/server-1.3.0.bin", info.DownloadURL)
		require.Equal(t, int64(1024), info.Size)
		require.False(t, info.PublishedAt.IsZero())
	})

	t.Run("missing tag is an error", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{"assets": []}`)
		_, err := client.Release(t.Context(), srv.URL)
		require.Error(t, err)
	})

	t.Run("no assets is an error", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{"tag_name": "v1.0.0", "assets": []}`)
		_, err := client.Release(t.Context(), srv.URL)
		require.Error(t, err)
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		srv := serve(t, http.StatusNotFound, `{"message": "Not Found"}`)
		_, err := client.Release(t.Context(), srv.URL)
		require.Error(t, err)
	})
}

func TestExpectedSize(t *testing.T) {
	t.Parallel()
	client := fetch.NewClient()

	t.Run("plain integer", func(t *testing.T) {
		srv := serve(t, http.StatusOK, "1048576\n")
		n, err := client.ExpectedSize(t.Context(), srv.URL)
		require.NoError(t, err)
		require.Equal(t, int64(1048576), n)
	})

	t.Run("garbage is an error", func(t *testing.T) {
		srv := serve(t, http.StatusOK, "about a megabyte")
		_, err := client.ExpectedSize(t.Context(), srv.URL)
		require.Error(t, err)
	})

	t.Run("negative is an error", func(t *testing.T) {
		srv := serve(t, http.StatusOK, "-5")
		_, err := client.ExpectedSize(t.Context(), srv.URL)
		require.Error(t, err)
	})
}

func TestRemoteConfig(t *testing.T) {
	t.Parallel()
	client := fetch.NewClient()

	t.Run("flat key value payload", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{"auto_update": "yes", "server_port": "5350"}`)
		kv, err := client.RemoteConfig(t.Context(), srv.URL)
		require.NoError(t, err)
		require.Equal(t, map[string]string{"auto_update": "yes", "server_port": "5350"}, kv)
	})

	t.Run("malformed payload is an error", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{"nested": {"not": "flat"}}`)
		_, err := client.RemoteConfig(t.Context(), srv.URL)
		require.Error(t, err)
	})
}
