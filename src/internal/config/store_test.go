package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/skylake-tv/runnerd/src/internal/config"
	"github.com/skylake-tv/runnerd/src/pkg/models"
)

func TestLoadSeedsDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")

	st, err := config.Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	s := st.Settings()
	require.Equal(t, 5350, s.ServerPort)
	require.Equal(t, "TV Server", s.Binary.DisplayName)
	require.Equal(t, 5, s.Redirect.CountdownSeconds)
	require.Equal(t, models.ExpectedSizeBootstrap, s.ExpectedSize)
	require.True(t, s.ServeLocal)
	require.Empty(t, s.BinaryVersion)
}

func TestServeLocalOffSurvivesReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")

	st, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, st.Update(func(s *models.Settings) { s.ServeLocal = false }))

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	require.False(t, reloaded.Settings().ServeLocal)
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")

	st, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, st.Update(func(s *models.Settings) {
		s.ServerPort = 8080
		s.AutoUpdate = true
		s.BinaryVersion = "1.4.2"
	}))

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	s := reloaded.Settings()
	require.Equal(t, 8080, s.ServerPort)
	require.True(t, s.AutoUpdate)
	require.Equal(t, "1.4.2", s.BinaryVersion)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_port: 99999\n"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "server_port")
}

func TestUpdateValidates(t *testing.T) {
	t.Parallel()
	st, err := config.Load(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	err = st.Update(func(s *models.Settings) { s.ServerPort = -1 })
	require.Error(t, err)
}

func TestSetBinaryReleasePersistsPair(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	st, err := config.Load(path)
	require.NoError(t, err)

	require.NoError(t, st.SetBinaryRelease("1.3.0", "server-1.3.0.bin", ""))

	// Both fields must be present in the same file write.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk models.Settings
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	require.Equal(t, "1.3.0", onDisk.BinaryVersion)
	require.Equal(t, "server-1.3.0.bin", onDisk.BinaryAsset)

	// A source path supersedes the staged copy in the same write.
	require.NoError(t, st.Update(func(s *models.Settings) {
		s.Binary.StagedPath = "/data/bin/tv-server"
	}))
	require.NoError(t, st.SetBinaryRelease("1.4.0", "server-1.4.0.bin", "/data/downloads/server-1.4.0.bin"))
	s := st.Settings()
	require.Equal(t, "1.4.0", s.BinaryVersion)
	require.Equal(t, "/data/downloads/server-1.4.0.bin", s.Binary.SourcePath)
	require.Empty(t, s.Binary.StagedPath)
}

func TestApplyRemote(t *testing.T) {
	t.Parallel()

	t.Run("merges only present keys", func(t *testing.T) {
		st, err := config.Load(filepath.Join(t.TempDir(), "settings.yaml"))
		require.NoError(t, err)
		require.NoError(t, st.SetBinaryRelease("1.2.0", "server.bin", ""))

		require.NoError(t, st.ApplyRemote(map[string]string{
			"serve_local":      "no",
			"auto_redirect":    "yes",
			"redirect_package": "some.player",
		}))

		s := st.Settings()
		require.False(t, s.ServeLocal)
		require.True(t, s.AutoRedirect)
		require.Equal(t, "some.player", s.Redirect.Package)
		require.Equal(t, "1.2.0", s.BinaryVersion)
		require.Equal(t, 5350, s.ServerPort)
	})

	t.Run("empty version never clobbers cached", func(t *testing.T) {
		st, err := config.Load(filepath.Join(t.TempDir(), "settings.yaml"))
		require.NoError(t, err)
		require.NoError(t, st.SetBinaryRelease("1.2.0", "server.bin", ""))

		require.NoError(t, st.ApplyRemote(map[string]string{
			"binary_version": "",
			"binary_asset":   "",
		}))

		s := st.Settings()
		require.Equal(t, "1.2.0", s.BinaryVersion)
		require.Equal(t, "server.bin", s.BinaryAsset)
	})

	t.Run("invalid values ignored", func(t *testing.T) {
		st, err := config.Load(filepath.Join(t.TempDir(), "settings.yaml"))
		require.NoError(t, err)

		require.NoError(t, st.ApplyRemote(map[string]string{
			"server_port":       "not-a-port",
			"countdown_seconds": "-3",
			"auto_update":       "maybe",
		}))

		s := st.Settings()
		require.Equal(t, 5350, s.ServerPort)
		require.Equal(t, 5, s.Redirect.CountdownSeconds)
		require.False(t, s.AutoUpdate)
	})

	t.Run("empty payload is a no-op", func(t *testing.T) {
		st, err := config.Load(filepath.Join(t.TempDir(), "settings.yaml"))
		require.NoError(t, err)
		before := st.Settings()
		require.NoError(t, st.ApplyRemote(nil))
		require.Equal(t, before, st.Settings())
	})
}

func TestPlaylistURL(t *testing.T) {
	t.Parallel()
	st, err := config.Load(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	require.NoError(t, st.Update(func(s *models.Settings) {
		s.ServeLocal = true
		s.ServerPort = 5350
	}))
	require.Equal(t, "http://localhost:5350/playlist.m3u", st.PlaylistURL())
}
