package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skylake-tv/runnerd/src/pkg/models"
)

// Store owns the persisted settings file. Reads are frequent and cheap;
// writes go through Update so multi-field changes (version + artifact
// name) land atomically in a single rename.
type Store struct {
	path string
	mu   sync.RWMutex
	s    models.Settings
}

// Load reads settings from path. A missing file seeds defaults and
// writes them out (first-run bootstrap).
func Load(path string) (*Store, error) {
	st := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		st.s = Defaults()
		if err := st.save(); err != nil {
			return nil, fmt.Errorf("seeding default settings: %w", err)
		}
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var s models.Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	setDefaults(&s)
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	st.s = s
	return st, nil
}

// Defaults returns the first-run settings. ServeLocal starts true and
// is seeded here rather than in setDefaults, so a persisted false is
// never flipped back on load.
func Defaults() models.Settings {
	s := models.Settings{ServeLocal: true}
	setDefaults(&s)
	return s
}

func setDefaults(s *models.Settings) {
	if s.ServerPort == 0 {
		s.ServerPort = 5350
	}
	if s.Binary.DisplayName == "" {
		s.Binary.DisplayName = "TV Server"
	}
	if s.Redirect.CountdownSeconds == 0 {
		s.Redirect.CountdownSeconds = 5
	}
	if s.ExpectedSize == 0 {
		s.ExpectedSize = models.ExpectedSizeBootstrap
	}
	if s.Remote.CheckInterval == 0 {
		s.Remote.CheckInterval = 5 * time.Minute
	}
}

func validate(s *models.Settings) error {
	if s.ServerPort < 1 || s.ServerPort > 65535 {
		return fmt.Errorf("server_port must be 1..65535, got %d", s.ServerPort)
	}
	if s.Redirect.CountdownSeconds < 0 {
		return fmt.Errorf("redirect.countdown_seconds must not be negative")
	}
	if s.ExpectedSize < 0 {
		return fmt.Errorf("expected_size must not be negative")
	}
	return nil
}

// Settings returns a copy of the current settings.
func (st *Store) Settings() models.Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update applies fn to the settings under the store lock and persists
// the result. The whole mutation is written in one rename, so callers
// updating related fields together get them persisted together.
func (st *Store) Update(fn func(*models.Settings)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
	if err := validate(&st.s); err != nil {
		return err
	}
	return st.save()
}

// SetBinaryRelease records an accepted release in one write: version
// and artifact name land as a pair, never one without the other. A
// non-empty sourcePath points at the downloaded artifact and supersedes
// any staged copy.
func (st *Store) SetBinaryRelease(version, asset, sourcePath string) error {
	return st.Update(func(s *models.Settings) {
		s.BinaryVersion = version
		s.BinaryAsset = asset
		if sourcePath != "" {
			s.Binary.SourcePath = sourcePath
			s.Binary.StagedPath = ""
		}
	})
}

// SetBinaryIdentity persists the selected binary so a cold start can
// resume the same selection.
func (st *Store) SetBinaryIdentity(id models.BinaryIdentity) error {
	return st.Update(func(s *models.Settings) {
		s.Binary = id
	})
}

// ApplyRemote merges a flat key/value payload into the settings. Only
// keys present in the payload are written; everything else keeps its
// local value. A cached version string is never replaced with an empty
// remote value.
func (st *Store) ApplyRemote(kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	return st.Update(func(s *models.Settings) {
		for k, v := range kv {
			applyRemoteKey(s, k, v)
		}
	})
}

func applyRemoteKey(s *models.Settings, key, value string) {
	switch key {
	case "server_port":
		if p, err := strconv.Atoi(value); err == nil && p >= 1 && p <= 65535 {
			s.ServerPort = p
		}
	case "serve_local":
		s.ServeLocal = parseFlag(value, s.ServeLocal)
	case "auto_start_server":
		s.AutoStartServer = parseFlag(value, s.AutoStartServer)
	case "auto_redirect":
		s.AutoRedirect = parseFlag(value, s.AutoRedirect)
	case "auto_update":
		s.AutoUpdate = parseFlag(value, s.AutoUpdate)
	case "redirect_package":
		s.Redirect.Package = value
	case "redirect_activity":
		s.Redirect.Activity = value
	case "redirect_name":
		s.Redirect.DisplayName = value
	case "countdown_seconds":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			s.Redirect.CountdownSeconds = n
		}
	case "expected_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
			s.ExpectedSize = n
		}
	case "binary_version":
		if value != "" {
			s.BinaryVersion = value
		}
	case "binary_asset":
		if value != "" {
			s.BinaryAsset = value
		}
	}
}

// parseFlag accepts the yes/no spelling used by remote payloads as
// well as ordinary booleans.
func parseFlag(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1", "on":
		return true
	case "no", "false", "0", "off":
		return false
	}
	return fallback
}

// save writes the settings via temp file + rename. Callers hold st.mu.
func (st *Store) save() error {
	data, err := yaml.Marshal(&st.s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close settings file: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// PlaylistURL derives the playlist address the UI shows: localhost when
// serving locally, the first LAN IPv4 otherwise.
func (st *Store) PlaylistURL() string {
	s := st.Settings()
	host := "localhost"
	if !s.ServeLocal {
		if ip := lanIPv4(); ip != "" {
			host = ip
		}
	}
	return fmt.Sprintf("http://%s:%d/playlist.m3u", host, s.ServerPort)
}

func lanIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
