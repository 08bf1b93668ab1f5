package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// stagingInstaller receives application-kind artifacts. Installation of
// the host application is outside the daemon's control, so the artifact
// is parked in the install directory and announced; no outcome is
// tracked.
type stagingInstaller struct {
	dir string
}

func (i *stagingInstaller) Install(ctx context.Context, artifactPath string) error {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create install directory: %w", err)
	}

	dest := filepath.Join(i.dir, filepath.Base(artifactPath))
	if err := os.Rename(artifactPath, dest); err != nil {
		return fmt.Errorf("failed to stage application artifact: %w", err)
	}

	slog.Info("application artifact ready to install", "path", dest)
	return nil
}
