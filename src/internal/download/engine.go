package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// Engine performs the actual byte transfer. The coordinator treats it
// as an opaque push-style reporter; swapping in a fake keeps the update
// decision logic testable without a real network transfer.
type Engine interface {
	Run(ctx context.Context, url, destPath string, report func(done, total int64)) error
}

// HTTPEngine streams a URL to disk, reporting progress per chunk.
type HTTPEngine struct {
	httpClient *http.Client
}

func NewHTTPEngine() *HTTPEngine {
	// No overall timeout: large artifacts on slow links are expected.
	// Cancellation comes through the context.
	return &HTTPEngine{httpClient: &http.Client{}}
}

func (e *HTTPEngine) Run(ctx context.Context, url, destPath string, report func(done, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	total := resp.ContentLength
	downloaded := int64(0)

	buffer := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
				return fmt.Errorf("failed to write file: %w", writeErr)
			}
			downloaded += int64(n)
			if report != nil {
				report(downloaded, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read response: %w", err)
		}
	}

	return nil
}
