package models

import "time"

// ArtifactKind distinguishes the two updatable artifacts.
type ArtifactKind string

const (
	KindBinary      ArtifactKind = "binary"
	KindApplication ArtifactKind = "application"
)

// ReleaseInfo is the release metadata fetched from a remote descriptor.
// It is ephemeral: only the accepted version and artifact name are
// persisted, and only after a successful download.
type ReleaseInfo struct {
	Version     string    `json:"version"`
	DownloadURL string    `json:"download_url"`
	AssetName   string    `json:"asset_name"`
	Size        int64     `json:"size,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// UpdateDecision is the outcome of a single update check.
type UpdateDecision struct {
	Available bool         `json:"available"`
	Release   *ReleaseInfo `json:"release,omitempty"`
}

// SizeCheck classifies a staged-artifact integrity comparison.
type SizeCheck string

const (
	// SizeMatch and SizeMismatch are confirmed comparisons against a
	// fetched expected size.
	SizeMatch    SizeCheck = "match"
	SizeMismatch SizeCheck = "mismatch"
	// SizeUnknown means the expected size could not be fetched; it must
	// never trigger a re-download.
	SizeUnknown SizeCheck = "unknown"
	// SizeBootstrap means the persisted expected size is the first-run
	// sentinel: no artifact has ever been staged and an unconditional
	// initial download is required.
	SizeBootstrap SizeCheck = "bootstrap"
)
