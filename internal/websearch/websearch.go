// Package websearch queries a SearxNG-compatible metasearch endpoint for
// optional query enrichment. All failures are non-fatal; the orchestrator
// proceeds without results.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// Client talks to one search endpoint.
type Client struct {
	endpoint   string
	maxResults int
	client     *http.Client
}

// NewClient creates a search client. An empty endpoint disables search.
func NewClient(endpoint string, maxResults int) *Client {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Client{
		endpoint:   endpoint,
		maxResults: maxResults,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c.endpoint != "" }

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query and returns up to maxResults hits.
func (c *Client) Search(ctx context.Context, query string) ([]models.WebSearchResult, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("web search not configured")
	}

	u := fmt.Sprintf("%s/search?q=%s&format=json", c.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint status %d", resp.StatusCode)
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]models.WebSearchResult, 0, c.maxResults)
	for _, r := range parsed.Results {
		if len(out) >= c.maxResults {
			break
		}
		out = append(out, models.WebSearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}

	log.Debug().Int("results", len(out)).Msg("Web search complete")
	return out, nil
}
