// Package download normalizes the transfer engine's push-style status
// callbacks into an ordered snapshot stream. It performs no reasoning
// about versions; that stays with the update orchestrator.
package download

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/skylake-tv/runnerd/src/pkg/models"
)

// Coordinator runs transfers through the engine and re-emits each
// status as a DownloadJob snapshot. Per job id it guarantees
// non-decreasing progress and exactly one terminal snapshot.
type Coordinator struct {
	engine Engine
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewCoordinator(engine Engine) *Coordinator {
	return &Coordinator{
		engine: engine,
		active: make(map[string]context.CancelFunc),
	}
}

// Download starts a transfer of url into destDir/fileName and returns
// the job id with its snapshot stream. The stream is closed right after
// the terminal snapshot.
func (c *Coordinator) Download(ctx context.Context, url, fileName, destDir string) (string, <-chan models.DownloadJob) {
	jobID := uuid.New().String()
	jobCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.active[jobID] = cancel
	c.mu.Unlock()

	ch := make(chan models.DownloadJob, 8)
	go c.run(jobCtx, jobID, url, fileName, destDir, ch)
	return jobID, ch
}

// Cancel aborts a job. Calling it for an unknown or already-terminal
// job is a no-op.
func (c *Coordinator) Cancel(jobID string) {
	c.mu.Lock()
	cancel, ok := c.active[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Coordinator) run(ctx context.Context, jobID, url, fileName, destDir string, ch chan<- models.DownloadJob) {
	defer close(ch)
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.active[jobID]; ok {
			cancel()
			delete(c.active, jobID)
		}
		c.mu.Unlock()
	}()

	job := models.DownloadJob{ID: jobID, FileName: fileName, Status: models.DownloadQueued}
	ch <- job

	job.Status = models.DownloadStarted
	ch <- job

	var progressMu sync.Mutex
	err := c.engine.Run(ctx, url, filepath.Join(destDir, fileName), func(done, total int64) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if done < job.BytesDone {
			// Engines restarting a range request must not make the
			// stream go backwards.
			return
		}
		job.Status = models.DownloadProgress
		job.BytesDone = done
		job.BytesTotal = total
		snapshot := job
		select {
		case ch <- snapshot:
		default:
			// A slow consumer only misses intermediate progress; the
			// terminal snapshot below is always delivered.
		}
	})

	progressMu.Lock()
	defer progressMu.Unlock()
	switch {
	case err == nil:
		job.Status = models.DownloadSuccess
	case errors.Is(err, context.Canceled):
		job.Status = models.DownloadCancelled
	default:
		job.Status = models.DownloadFailed
		job.FailureReason = err.Error()
	}
	ch <- job
}
