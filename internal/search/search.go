// Package search fetches a web-search result set used to augment the chat
// prompt. Augmentation degrades, chat does not depend on it: every failure
// path is substituted with a placeholder by the orchestrator.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harborlabs/chatgate/internal/httputil"
)

// ErrNoResults marks an empty result set; callers treat it like any other
// search failure.
var ErrNoResults = errors.New("search returned no results")

type Client interface {
	// Search returns a formatted result block for the query.
	Search(ctx context.Context, query string) (string, error)
}

type HTTPClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	maxHits int
}

func NewHTTPClient(apiKey, baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &HTTPClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		maxHits: 5,
	}
}

type searchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (c *HTTPClient) Search(ctx context.Context, query string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("search credential not configured")
	}

	body, err := json.Marshal(searchRequest{APIKey: c.apiKey, Query: query, MaxResults: c.maxHits})
	if err != nil {
		return "", fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("search error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}
	if len(searchResp.Results) == 0 {
		return "", ErrNoResults
	}

	var block strings.Builder
	for i, r := range searchResp.Results {
		fmt.Fprintf(&block, "%d. %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Content)
	}
	return block.String(), nil
}
