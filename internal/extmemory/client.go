// Package extmemory is the HTTP client for the external semantic-memory
// service spec.md §1 treats as an outside collaborator: a JSON API with
// store(payload_md, metadata) -> memory_id and search(query, filters) ->
// hits. It is the concrete type the gateway's write/query path and the
// outbox worker inject behind the gateway.ExternalMemory /
// outbox.ExternalMemory interfaces. Grounded on scmgitlab.Client's
// bounded-timeout net/http call shape (C5), simplified: no rate limiter
// or circuit breaker here since the gateway's own outbox deferral is
// the degradation path for this dependency, not a retry loop.
package extmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type storeRequest struct {
	PayloadMD string            `json:"payload_md"`
	Metadata  map[string]string `json:"metadata"`
}

type storeResponse struct {
	MemoryID string `json:"memory_id"`
}

// Store POSTs payload_md to /v1/memory/store and returns the memory_id
// the external service assigned. Any non-2xx or transport failure is
// returned as an error, which the gateway/outbox worker translate into
// a deferred write.
func (c *Client) Store(ctx context.Context, payloadMD, space string) (string, error) {
	body, err := json.Marshal(storeRequest{PayloadMD: payloadMD, Metadata: map[string]string{"space": space}})
	if err != nil {
		return "", fmt.Errorf("extmemory: marshal store request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/memory/store", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("extmemory: build store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("extmemory: store request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("extmemory: store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed storeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("extmemory: decode store response: %w", err)
	}
	if parsed.MemoryID == "" {
		return "", fmt.Errorf("extmemory: store response missing memory_id")
	}
	return parsed.MemoryID, nil
}

type searchResponse struct {
	Hits []string `json:"hits"`
}

// Search POSTs to /v1/memory/search and returns the hit list. Used by
// the gateway's query path; on failure the gateway falls back to the
// Logbook's knowledge_candidates query.
func (c *Client) Search(ctx context.Context, space, query string) ([]string, error) {
	body, err := json.Marshal(map[string]string{"space": space, "query": query})
	if err != nil {
		return nil, fmt.Errorf("extmemory: marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/memory/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extmemory: build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extmemory: search request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("extmemory: search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("extmemory: decode search response: %w", err)
	}
	return parsed.Hits, nil
}
