// Package fetch retrieves the small read-only descriptors the update
// flow depends on: release metadata, the expected artifact size, and
// the remote key/value configuration payload.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skylake-tv/runnerd/src/pkg/models"
)

const maxDescriptorBytes = 2 << 20

// Client fetches remote descriptors over HTTP.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a descriptor client with a bounded request timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// release mirrors the GitHub release payload the descriptors use.
type release struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
	} `json:"assets"`
}

// Release fetches release metadata for one artifact kind.
func (c *Client) Release(ctx context.Context, url string) (*models.ReleaseInfo, error) {
	body, err := c.get(ctx, url, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}

	var rel release
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, fmt.Errorf("failed to decode release descriptor: %w", err)
	}
	if strings.TrimSpace(rel.TagName) == "" {
		return nil, fmt.Errorf("release descriptor missing tag_name")
	}

	info := &models.ReleaseInfo{
		Version:     strings.TrimPrefix(strings.TrimSpace(rel.TagName), "v"),
		PublishedAt: rel.PublishedAt,
	}
	for _, asset := range rel.Assets {
		if strings.TrimSpace(asset.Name) == "" || strings.TrimSpace(asset.BrowserDownloadURL) == "" {
			continue
		}
		info.AssetName = asset.Name
		info.DownloadURL = asset.BrowserDownloadURL
		info.Size = asset.Size
		break
	}
	if info.DownloadURL == "" {
		return nil, fmt.Errorf("release %s has no downloadable asset", rel.TagName)
	}
	return info, nil
}

// ExpectedSize fetches the expected-artifact-size descriptor, a plain
// text integer.
func (c *Client) ExpectedSize(ctx context.Context, url string) (int64, error) {
	body, err := c.get(ctx, url, "text/plain")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse expected size: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("expected size is negative: %d", n)
	}
	return n, nil
}

// RemoteConfig fetches the flat key/value configuration payload.
func (c *Client) RemoteConfig(ctx context.Context, url string) (map[string]string, error) {
	body, err := c.get(ctx, url, "application/json")
	if err != nil {
		return nil, err
	}
	var kv map[string]string
	if err := json.Unmarshal(body, &kv); err != nil {
		return nil, fmt.Errorf("failed to decode remote config: %w", err)
	}
	return kv, nil
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "runnerd")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch descriptor: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("descriptor fetch failed: %s", resp.Status)
	}
	return body, nil
}
