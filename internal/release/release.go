package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/srvlaunch/srvlaunch/internal/safety"
)

const (
	// DefaultAPIBaseURL is the public GitHub REST API.
	DefaultAPIBaseURL = "https://api.github.com"

	listTimeout             = 30 * time.Second
	maxListingResponseBytes = 8 * 1024 * 1024
)

// Asset is a downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	ContentType        string `json:"content_type,omitempty"`
	Size               int64  `json:"size,omitempty"`
}

// Release is one entry of a repository's release listing.
type Release struct {
	TagName     string     `json:"tag_name"`
	Name        string     `json:"name,omitempty"`
	Draft       bool       `json:"draft"`
	Prerelease  bool       `json:"prerelease"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Assets      []Asset    `json:"assets"`
}

// Client lists releases from the GitHub REST API.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	token   string
}

// NewClient creates a release client. An empty baseURL uses the public API.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:  safety.NewHTTPClient(listTimeout),
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// List returns the releases of owner/repo in the order the API sends them.
func (c *Client) List(ctx context.Context, owner, repo string) ([]Release, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases", c.baseURL, url.PathEscape(owner), url.PathEscape(repo))
	if _, err := safety.ValidateHTTPURL(endpoint); err != nil {
		return nil, fmt.Errorf("invalid release API URL: %w", err)
	}
	if c.token != "" {
		if err := safety.RequireTLSUnlessLoopback(endpoint); err != nil {
			return nil, fmt.Errorf("refusing to send token: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "srvlaunch/1.0")
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d listing releases for %s/%s", resp.StatusCode, owner, repo)
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxListingResponseBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, fmt.Errorf("release listing exceeded %d bytes: %w", maxListingResponseBytes, err)
		}
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var releases []Release
	if err := json.Unmarshal(body, &releases); err != nil {
		return nil, fmt.Errorf("decoding release listing: %w", err)
	}

	c.logger.Debug("listed releases", "owner", owner, "repo", repo, "count", len(releases))
	return releases, nil
}

// Pick chooses a release. A non-empty tag must match exactly; otherwise the
// most recently published non-draft release is returned, skipping
// prereleases unless allowPrerelease is set.
func Pick(releases []Release, tag string, allowPrerelease bool) (*Release, error) {
	if tag != "" {
		for i := range releases {
			if releases[i].TagName == tag {
				return &releases[i], nil
			}
		}
		return nil, fmt.Errorf("release %q not found", tag)
	}

	var eligible []*Release
	for i := range releases {
		r := &releases[i]
		if r.Draft || (r.Prerelease && !allowPrerelease) {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no published release available")
	}

	// Stable so releases without a date keep the API's newest-first order.
	sort.SliceStable(eligible, func(i, j int) bool {
		return publishedAt(eligible[i]).After(publishedAt(eligible[j]))
	})
	return eligible[0], nil
}

func publishedAt(r *Release) time.Time {
	if r.PublishedAt == nil {
		return time.Time{}
	}
	return *r.PublishedAt
}

// Asset returns the first asset whose name matches the glob pattern.
func (r *Release) Asset(pattern string) (*Asset, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid asset pattern %q: %w", pattern, err)
	}
	for i := range r.Assets {
		if ok, _ := path.Match(pattern, r.Assets[i].Name); ok {
			return &r.Assets[i], nil
		}
	}
	return nil, fmt.Errorf("release %s has no asset matching %q", r.TagName, pattern)
}
