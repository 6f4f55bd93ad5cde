// Package scmgitlab adapts the GitLab REST API (C5): commit listing and
// diff retrieval over net/http, with a pluggable token provider, a
// per-base-URL rate limiter and circuit breaker, and Retry-After-aware
// exponential backoff on 429/5xx.
package scmgitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/resilience"
)

// TokenProvider returns the current bearer token for GitLab API calls.
// Implementations may read an env var, a mounted file, or shell out to
// a secrets-manager command; scmgitlab never persists the token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL        string
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	token   TokenProvider
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

func NewClient(cfg Config, token TokenProvider, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker) *Client {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		token:   token,
		limiter: limiter,
		breaker: breaker,
	}
}

// CommitStats is GitLab's commit stats object, present on each commit
// when the listing request is made with with_stats=true.
type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// Commit is the subset of GitLab's commit object this module persists.
type Commit struct {
	ID             string       `json:"id"`
	AuthorName     string       `json:"author_name"`
	AuthoredDate   time.Time    `json:"authored_date"`
	Message        string       `json:"message"`
	ParentIDs      []string     `json:"parent_ids"`
	Stats          *CommitStats `json:"stats"`
}

// GetCommits fetches commits for projectID committed since `since` (sent
// as GitLab's since query parameter), paginating until GitLab returns a short page.
// Requests with_stats=true so each commit's additions/deletions/total
// are populated for bulk/degraded classification (§4.7).
func (c *Client) GetCommits(ctx context.Context, projectID int64, since time.Time, refName string) ([]Commit, resilience.Classified) {
	var all []Commit
	page := 1
	for {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339))
		q.Set("per_page", "100")
		q.Set("page", strconv.Itoa(page))
		q.Set("with_stats", "true")
		if refName != "" {
			q.Set("ref_name", refName)
		}
		path := fmt.Sprintf("/api/v4/projects/%d/repository/commits?%s", projectID, q.Encode())

		body, classified := c.doGet(ctx, path)
		if !classified.Success {
			return all, classified
		}
		var batch []Commit
		if err := json.Unmarshal(body, &batch); err != nil {
			return all, resilience.Classified{Success: false, Kind: resilience.KindParseError,
				Message: fmt.Sprintf("gitlab: decode commits page %d: %v", page, err)}
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
		page++
	}
	return all, resilience.Classified{Success: true}
}

// GetCommitDiff fetches the unified diff for one commit. GetCommitDiffSafe
// wraps it with a size check on the assembled diff: the full response is
// still read into memory first, and a diff over maxBytes is reported as
// content_too_large with only its first maxBytes returned.
func (c *Client) GetCommitDiff(ctx context.Context, projectID int64, sha string) ([]byte, resilience.Classified) {
	path := fmt.Sprintf("/api/v4/projects/%d/repository/commits/%s/diff", projectID, url.PathEscape(sha))
	body, classified := c.doGet(ctx, path)
	if !classified.Success {
		return nil, classified
	}
	// GitLab returns a JSON array of per-file diff objects; concatenate
	// into a single unified-diff-shaped text body for storage.
	var files []struct {
		Diff    string `json:"diff"`
		NewPath string `json:"new_path"`
		OldPath string `json:"old_path"`
	}
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, resilience.Classified{Success: false, Kind: resilience.KindParseError,
			Message: fmt.Sprintf("gitlab: decode commit diff: %v", err)}
	}
	var sb strings.Builder
	for _, f := range files {
		fmt.Fprintf(&sb, "diff --git a/%s b/%s\n%s\n", f.OldPath, f.NewPath, f.Diff)
	}
	return []byte(sb.String()), resilience.Classified{Success: true}
}

func (c *Client) GetCommitDiffSafe(ctx context.Context, projectID int64, sha string, maxBytes int64) ([]byte, resilience.Classified) {
	data, classified := c.GetCommitDiff(ctx, projectID, sha)
	if !classified.Success {
		return nil, classified
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], resilience.Classified{Success: false, Kind: resilience.KindContentTooLarge,
			Message: fmt.Sprintf("gitlab: commit %s diff %d bytes exceeds cap %d", sha, len(data), maxBytes)}
	}
	return data, resilience.Classified{Success: true}
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, resilience.Classified) {
	if err := c.limiter.Acquire(ctx, c.cfg.BaseURL); err != nil {
		return nil, resilience.Classified{Success: false, Kind: resilience.KindRateLimited,
			Message: fmt.Sprintf("gitlab: rate limiter: %v", err)}
	}

	generation, err := c.breaker.Allow()
	if err != nil {
		return nil, resilience.Classified{Success: false, Kind: resilience.KindDependencyMissing,
			Message: fmt.Sprintf("gitlab: circuit open: %v", err), Retryable: true}
	}

	var lastClassified resilience.Classified
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		body, classified := c.attempt(ctx, path)
		if classified.Success {
			c.breaker.Record(generation, true)
			return body, classified
		}
		lastClassified = classified
		if !classified.Retryable {
			c.breaker.Record(generation, false)
			return nil, classified
		}
		if classified.RetryAfterMS > 0 {
			if err := resilience.HonorRetryAfter(ctx, time.Duration(classified.RetryAfterMS)*time.Millisecond); err != nil {
				break
			}
		} else {
			time.Sleep(resilience.ExponentialBackoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffMax, 0.2))
		}
	}
	c.breaker.Record(generation, false)
	return nil, lastClassified
}

func (c *Client) attempt(ctx context.Context, path string) ([]byte, resilience.Classified) {
	token, err := c.token.Token(ctx)
	if err != nil {
		return nil, resilience.Classified{Success: false, Kind: resilience.KindAuthError,
			Message: fmt.Sprintf("gitlab: token provider: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, resilience.Classified{Success: false, Kind: resilience.KindValidationError, Message: err.Error()}
	}
	req.Header.Set("PRIVATE-TOKEN", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.Classified{Success: false, Kind: resilience.KindNetworkError,
			Message: fmt.Sprintf("gitlab: request %s: %v", path, err), Retryable: true}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, resilience.Classified{Success: true}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, resilience.Classified{Success: false, Kind: resilience.KindRateLimited,
			Message: fmt.Sprintf("gitlab: 429 on %s", path), Retryable: true, RetryAfterMS: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resilience.Classified{Success: false, Kind: resilience.KindAuthError,
			Message: fmt.Sprintf("gitlab: %d on %s", resp.StatusCode, path)}
	case resp.StatusCode >= 500:
		return nil, resilience.Classified{Success: false, Kind: resilience.KindHTTPError,
			Message: fmt.Sprintf("gitlab: %d on %s", resp.StatusCode, path), Retryable: true,
			RetryAfterMS: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		return nil, resilience.Classified{Success: false, Kind: resilience.KindHTTPError,
			Message: fmt.Sprintf("gitlab: %d on %s: %s", resp.StatusCode, path, string(body))}
	}
}

func parseRetryAfter(v string) int64 {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return int64(secs) * 1000
	}
	if t, err := http.ParseTime(v); err == nil {
		return int64(time.Until(t) / time.Millisecond)
	}
	return 0
}
