// Package health probes the supervised server over HTTP and classifies
// the result into one of three outcomes: down, up but waiting for a
// login, or up and serving.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skylake-tv/runnerd/src/pkg/models"
)

const probeTimeout = 5 * time.Second

// Prober issues liveness probes against the local server port.
type Prober struct {
	httpClient *http.Client
}

func NewProber() *Prober {
	return &Prober{
		httpClient: &http.Client{Timeout: probeTimeout},
	}
}

// Probe sends one HEAD request to the server root. Any transport error
// means the server is down; an auth challenge means it is up but needs
// a login; every other response means it is serving.
func (p *Prober) Probe(ctx context.Context, port int) models.HealthOutcome {
	url := fmt.Sprintf("http://localhost:%d", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return models.HealthDown
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Debug("health probe failed", "port", port, "error", err)
		return models.HealthDown
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.HealthUpUnauthenticated
	default:
		return models.HealthUpReady
	}
}

// WaitReady polls until the server reports ready or ctx expires. It
// returns the last observed outcome.
func (p *Prober) WaitReady(ctx context.Context, port int, interval time.Duration) models.HealthOutcome {
	last := p.Probe(ctx, port)
	if last == models.HealthUpReady {
		return last
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
			last = p.Probe(ctx, port)
			if last == models.HealthUpReady {
				return last
			}
		}
	}
}
