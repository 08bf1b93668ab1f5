// Package update decides when a newer artifact exists, runs the
// download through the coordinator, and commits the result. The binary
// artifact is committed by deleting the prior staged copy and then
// persisting version and artifact name as one write; the application
// artifact is handed to the installer without outcome tracking.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/skylake-tv/runnerd/src/internal/artifact"
	"github.com/skylake-tv/runnerd/src/internal/config"
	"github.com/skylake-tv/runnerd/src/pkg/models"
)

var (
	// ErrUpdateInProgress is returned when an apply is requested for a
	// kind that already has one running.
	ErrUpdateInProgress = errors.New("update already in progress")

	// ErrNoReleaseURL is returned when no release endpoint is configured
	// for the requested kind.
	ErrNoReleaseURL = errors.New("no release url configured")

	// ErrNoUpdate is returned by Apply when the check finds nothing newer.
	ErrNoUpdate = errors.New("no update available")
)

// Fetcher retrieves the remote descriptors.
type Fetcher interface {
	Release(ctx context.Context, url string) (*models.ReleaseInfo, error)
	ExpectedSize(ctx context.Context, url string) (int64, error)
	RemoteConfig(ctx context.Context, url string) (map[string]string, error)
}

// Downloader runs artifact transfers and streams job snapshots.
type Downloader interface {
	Download(ctx context.Context, url, fileName, destDir string) (string, <-chan models.DownloadJob)
	Cancel(jobID string)
}

// Installer receives a downloaded application artifact. Installation is
// fire-and-forget: the user may decline it outside our view, so no
// version is persisted for this kind.
type Installer interface {
	Install(ctx context.Context, artifactPath string) error
}

// Orchestrator coordinates update checks and applies for both artifact
// kinds. Checks are read-only; only a fully downloaded binary artifact
// mutates persisted state.
type Orchestrator struct {
	store      *config.Store
	fetcher    Fetcher
	downloader Downloader
	installer  Installer
	locks      *artifact.Locks
	dataDir    string
	appVersion string

	mu       sync.RWMutex
	jobs     map[models.ArtifactKind]models.DownloadJob
	inflight map[models.ArtifactKind]string
}

// NewOrchestrator creates an orchestrator. appVersion is the daemon's
// own build version, compared against application-kind releases.
func NewOrchestrator(store *config.Store, fetcher Fetcher, downloader Downloader, installer Installer, locks *artifact.Locks, dataDir, appVersion string) *Orchestrator {
	return &Orchestrator{
		store:      store,
		fetcher:    fetcher,
		downloader: downloader,
		installer:  installer,
		locks:      locks,
		dataDir:    dataDir,
		appVersion: appVersion,
		jobs:       make(map[models.ArtifactKind]models.DownloadJob),
		inflight:   make(map[models.ArtifactKind]string),
	}
}

// CheckForUpdate fetches the release descriptor for kind and compares
// it against the local version. A missing local version means first
// run: the fetched release is always offered. Fetch or parse failures
// return an error and leave cached state untouched.
func (o *Orchestrator) CheckForUpdate(ctx context.Context, kind models.ArtifactKind) (models.UpdateDecision, error) {
	url := o.releaseURL(kind)
	if url == "" {
		return models.UpdateDecision{}, ErrNoReleaseURL
	}

	release, err := o.fetcher.Release(ctx, url)
	if err != nil {
		return models.UpdateDecision{}, fmt.Errorf("failed to fetch %s release: %w", kind, err)
	}

	local := o.localVersion(kind)
	if local == "" {
		return models.UpdateDecision{Available: true, Release: release}, nil
	}

	newer, err := isNewer(release.Version, local)
	if err != nil {
		return models.UpdateDecision{}, fmt.Errorf("failed to compare %s versions: %w", kind, err)
	}
	if !newer {
		return models.UpdateDecision{Available: false}, nil
	}
	return models.UpdateDecision{Available: true, Release: release}, nil
}

// CheckAll checks both kinds concurrently. Per-kind failures are logged
// and reported as no update available.
func (o *Orchestrator) CheckAll(ctx context.Context) map[models.ArtifactKind]models.UpdateDecision {
	var mu sync.Mutex
	results := make(map[models.ArtifactKind]models.UpdateDecision)

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range []models.ArtifactKind{models.KindBinary, models.KindApplication} {
		g.Go(func() error {
			decision, err := o.CheckForUpdate(gctx, kind)
			if err != nil {
				if !errors.Is(err, ErrNoReleaseURL) {
					slog.Warn("update check failed", "kind", kind, "error", err)
				}
				decision = models.UpdateDecision{}
			}
			mu.Lock()
			results[kind] = decision
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// Apply checks for an update of kind and, when one exists, starts the
// download in the background. It returns the download job id. A second
// apply for the same kind while one runs is rejected. force skips the
// version comparison and downloads the current remote release, the
// path taken when the staged artifact failed its integrity check.
func (o *Orchestrator) Apply(ctx context.Context, kind models.ArtifactKind, force bool) (string, error) {
	o.mu.Lock()
	if _, busy := o.inflight[kind]; busy {
		o.mu.Unlock()
		return "", ErrUpdateInProgress
	}
	o.mu.Unlock()

	var release *models.ReleaseInfo
	if force {
		url := o.releaseURL(kind)
		if url == "" {
			return "", ErrNoReleaseURL
		}
		rel, err := o.fetcher.Release(ctx, url)
		if err != nil {
			return "", fmt.Errorf("failed to fetch %s release: %w", kind, err)
		}
		release = rel
	} else {
		decision, err := o.CheckForUpdate(ctx, kind)
		if err != nil {
			return "", err
		}
		if !decision.Available {
			return "", ErrNoUpdate
		}
		release = decision.Release
	}

	jobID, snapshots := o.downloader.Download(ctx, release.DownloadURL, release.AssetName, o.downloadDir())

	o.mu.Lock()
	if _, busy := o.inflight[kind]; busy {
		o.mu.Unlock()
		o.downloader.Cancel(jobID)
		return "", ErrUpdateInProgress
	}
	o.inflight[kind] = jobID
	o.mu.Unlock()

	slog.Info("applying update",
		"kind", kind,
		"version", release.Version,
		"asset", release.AssetName,
		"job_id", jobID)

	go o.drain(ctx, kind, release, snapshots)
	return jobID, nil
}

// Status returns the latest download snapshot for kind.
func (o *Orchestrator) Status(kind models.ArtifactKind) (models.DownloadJob, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[kind]
	return job, ok
}

// Cancel aborts an in-flight apply for kind. No-op when nothing runs.
func (o *Orchestrator) Cancel(kind models.ArtifactKind) {
	o.mu.RLock()
	jobID, ok := o.inflight[kind]
	o.mu.RUnlock()
	if ok {
		o.downloader.Cancel(jobID)
	}
}

// drain consumes the snapshot stream, keeping the latest snapshot
// observable, and commits the artifact on the terminal Success.
func (o *Orchestrator) drain(ctx context.Context, kind models.ArtifactKind, release *models.ReleaseInfo, snapshots <-chan models.DownloadJob) {
	var last models.DownloadJob
	for job := range snapshots {
		last = job
		o.mu.Lock()
		o.jobs[kind] = job
		o.mu.Unlock()
	}

	o.mu.Lock()
	delete(o.inflight, kind)
	o.mu.Unlock()

	switch last.Status {
	case models.DownloadSuccess:
		artifactPath := filepath.Join(o.downloadDir(), last.FileName)
		if err := o.commit(ctx, kind, release, artifactPath); err != nil {
			slog.Error("failed to commit update", "kind", kind, "version", release.Version, "error", err)
			return
		}
		slog.Info("update applied", "kind", kind, "version", release.Version)
	case models.DownloadCancelled:
		slog.Info("update cancelled", "kind", kind, "version", release.Version)
	default:
		slog.Warn("update download failed",
			"kind", kind,
			"version", release.Version,
			"reason", last.FailureReason)
	}
}

func (o *Orchestrator) commit(ctx context.Context, kind models.ArtifactKind, release *models.ReleaseInfo, artifactPath string) error {
	switch kind {
	case models.KindBinary:
		return o.commitBinary(ctx, release, artifactPath)
	case models.KindApplication:
		if o.installer == nil {
			return fmt.Errorf("no installer configured")
		}
		if err := o.installer.Install(ctx, artifactPath); err != nil {
			return fmt.Errorf("installer handoff failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// commitBinary removes the prior staged artifact and then persists the
// new version, artifact name, and source path in a single write. The
// removal is serialized against the supervisor's staging.
func (o *Orchestrator) commitBinary(ctx context.Context, release *models.ReleaseInfo, artifactPath string) error {
	s := o.store.Settings()

	if staged := s.Binary.StagedPath; staged != "" {
		lock := o.locks.For(staged)
		lock.Lock()
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			lock.Unlock()
			return fmt.Errorf("failed to remove prior artifact: %w", err)
		}
		lock.Unlock()
	}

	if err := o.store.SetBinaryRelease(release.Version, release.AssetName, artifactPath); err != nil {
		return fmt.Errorf("failed to persist release: %w", err)
	}

	o.refreshExpectedSize(ctx)
	return nil
}

// refreshExpectedSize replaces the persisted expected size with the
// remote value. Failures keep the current value; it is only advisory
// until the next integrity check.
func (o *Orchestrator) refreshExpectedSize(ctx context.Context) {
	url := o.store.Settings().Remote.ExpectedSizeURL
	if url == "" {
		return
	}
	size, err := o.fetcher.ExpectedSize(ctx, url)
	if err != nil {
		slog.Warn("failed to refresh expected size", "error", err)
		return
	}
	if err := o.store.Update(func(s *models.Settings) { s.ExpectedSize = size }); err != nil {
		slog.Warn("failed to persist expected size", "error", err)
	}
}

// VerifyStagedBinarySize classifies the staged binary against the
// expected size. The persisted bootstrap sentinel short-circuits to
// Bootstrap before any comparison; a failed size fetch is Unknown and
// must never be treated as a mismatch.
func (o *Orchestrator) VerifyStagedBinarySize(ctx context.Context) models.SizeCheck {
	s := o.store.Settings()

	if s.ExpectedSize == models.ExpectedSizeBootstrap {
		return models.SizeBootstrap
	}

	expected := s.ExpectedSize
	if url := s.Remote.ExpectedSizeURL; url != "" {
		remote, err := o.fetcher.ExpectedSize(ctx, url)
		if err != nil {
			slog.Warn("expected size fetch failed", "error", err)
			return models.SizeUnknown
		}
		expected = remote
	}

	path := s.Binary.StagedPath
	if path == "" {
		// A freshly applied artifact has not been staged yet; the
		// downloaded copy at the source path is what gets verified.
		path = s.Binary.SourcePath
	}
	info, err := os.Stat(path)
	if err != nil {
		return models.SizeMismatch
	}
	if info.Size() == expected {
		return models.SizeMatch
	}
	return models.SizeMismatch
}

// SyncRemoteConfig fetches the remote key/value payload and merges it
// into the settings. Only keys present in the payload are written.
func (o *Orchestrator) SyncRemoteConfig(ctx context.Context) error {
	url := o.store.Settings().Remote.ConfigURL
	if url == "" {
		return nil
	}
	kv, err := o.fetcher.RemoteConfig(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to fetch remote config: %w", err)
	}
	if err := o.store.ApplyRemote(kv); err != nil {
		return fmt.Errorf("failed to merge remote config: %w", err)
	}
	return nil
}

func (o *Orchestrator) releaseURL(kind models.ArtifactKind) string {
	s := o.store.Settings()
	if kind == models.KindApplication {
		return s.Remote.AppReleaseURL
	}
	return s.Remote.BinaryReleaseURL
}

func (o *Orchestrator) localVersion(kind models.ArtifactKind) string {
	if kind == models.KindApplication {
		return o.appVersion
	}
	return o.store.Settings().BinaryVersion
}

func (o *Orchestrator) downloadDir() string {
	return filepath.Join(o.dataDir, "downloads")
}

// isNewer reports whether remote is strictly greater than local under
// semantic-version ordering.
func isNewer(remote, local string) (bool, error) {
	rv, err := semver.NewVersion(remote)
	if err != nil {
		return false, fmt.Errorf("remote version %q: %w", remote, err)
	}
	lv, err := semver.NewVersion(local)
	if err != nil {
		return false, fmt.Errorf("local version %q: %w", local, err)
	}
	return rv.GreaterThan(lv), nil
}
