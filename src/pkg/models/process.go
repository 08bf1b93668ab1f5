package models

import (
	"fmt"
	"os"
)

// ProcessState represents the lifecycle state of the supervised binary.
type ProcessState string

const (
	StateStopped           ProcessState = "stopped"
	StateStarting          ProcessState = "starting"
	StateRunning           ProcessState = "running"
	StateStoppingRequested ProcessState = "stopping_requested"
)

// Active reports whether a subprocess exists or is being spawned.
func (s ProcessState) Active() bool {
	return s == StateStarting || s == StateRunning
}

// BinaryIdentity identifies the executable the supervisor runs.
// SourcePath is the locator the binary was picked from; StagedPath is
// the copy in app-private storage that actually runs.
type BinaryIdentity struct {
	SourcePath  string `json:"source_path" yaml:"source_path"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	StagedPath  string `json:"staged_path,omitempty" yaml:"staged_path,omitempty"`
}

// ValidateStaged checks that the staged path references an existing,
// executable, regular file.
func (b BinaryIdentity) ValidateStaged() error {
	if b.StagedPath == "" {
		return fmt.Errorf("binary %q has no staged path", b.DisplayName)
	}
	info, err := os.Stat(b.StagedPath)
	if err != nil {
		return fmt.Errorf("staged binary %s: %w", b.StagedPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("staged binary %s is not a regular file", b.StagedPath)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("staged binary %s is not executable", b.StagedPath)
	}
	return nil
}
