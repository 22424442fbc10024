// Package version reports the daemon's own build version and, best
// effort, the latest version published on GitHub, for the /api/version
// endpoint.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

// Version and Commit are set at build time via ldflags in cmd/delegated.
var (
	Version = "dev"
	Commit  = ""
)

// SetCommit allows the cmd package to pass in the build-time commit.
func SetCommit(commit string) { Commit = commit }

// resolveCommitHash falls back to the Go module's embedded VCS revision
// for unreleased/dev builds that weren't built with -ldflags.
func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

// ShortCommit returns the first 12 characters of a hash.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Info is the response shape for GET /api/version.
type Info struct {
	Current         string    `json:"current_version"`
	Commit          string    `json:"commit"`
	Latest          string    `json:"latest_version,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// githubRelease is the subset of GitHub's release API this package reads.
type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Checker caches the latest-release lookup so every /api/version request
// doesn't round-trip to GitHub.
type Checker struct {
	owner, repo string
	httpClient  *http.Client
	ttl         time.Duration

	mu       sync.Mutex
	cached   *Info
	cachedAt time.Time
}

// NewChecker builds a Checker against owner/repo's GitHub releases.
func NewChecker(owner, repo string) *Checker {
	return &Checker{
		owner:      owner,
		repo:       repo,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		ttl:        1 * time.Hour,
	}
}

// Info returns the current build's version plus the latest known release,
// refreshing the cached lookup if it's past ttl. A failed lookup (offline,
// rate limited) degrades to the current-version fields only; it never
// blocks the caller on a slow or dead network.
func (c *Checker) Info(ctx context.Context) Info {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		info := *c.cached
		c.mu.Unlock()
		return info
	}
	c.mu.Unlock()

	info := Info{
		Current:   Version,
		Commit:    resolveCommitHash(),
		CheckedAt: time.Now(),
	}

	latest, url, err := c.fetchLatest(ctx)
	if err == nil {
		info.Latest = latest
		info.ReleaseURL = url
		info.UpdateAvailable = latest != "" && latest != Version
	}

	c.mu.Lock()
	c.cached = &info
	c.cachedAt = info.CheckedAt
	c.mu.Unlock()

	return info
}

func (c *Checker) fetchLatest(ctx context.Context) (tag, url string, err error) {
	endpoint := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("github releases: status %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", "", err
	}
	return rel.TagName, rel.HTMLURL, nil
}
