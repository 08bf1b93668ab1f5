package models

// DownloadStatus is the state of a transfer as reported by the engine.
type DownloadStatus string

const (
	DownloadQueued    DownloadStatus = "queued"
	DownloadStarted   DownloadStatus = "started"
	DownloadProgress  DownloadStatus = "progress"
	DownloadPaused    DownloadStatus = "paused"
	DownloadSuccess   DownloadStatus = "success"
	DownloadFailed    DownloadStatus = "failed"
	DownloadCancelled DownloadStatus = "cancelled"
)

// Terminal reports whether no further snapshots can follow this status.
func (s DownloadStatus) Terminal() bool {
	switch s {
	case DownloadSuccess, DownloadFailed, DownloadCancelled:
		return true
	}
	return false
}

// DownloadJob is one snapshot of a transfer. A job's snapshot sequence
// carries non-decreasing progress and ends at exactly one terminal
// snapshot.
type DownloadJob struct {
	ID            string         `json:"id"`
	FileName      string         `json:"file_name"`
	BytesDone     int64          `json:"bytes_done"`
	BytesTotal    int64          `json:"bytes_total"`
	Status        DownloadStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// Terminal reports whether this snapshot is the job's last one.
func (j DownloadJob) Terminal() bool { return j.Status.Terminal() }
