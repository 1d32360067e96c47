// Package ticketing wraps the external ticketing system at its interface
// boundary: reading an epic's children and materializing committed stories.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/storyforge/storyforge/config"
)

// ChildItem is the condensed view of an existing work item under an epic.
type ChildItem struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	FirstCriterion string `json:"first_criterion,omitempty"`
}

// NewItem is a story being materialized as a real work item on commit.
type NewItem struct {
	EpicID             string   `json:"epic_id"`
	Title              string   `json:"title"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Provenance         string   `json:"provenance"`  // run_id#index
	SearchBlob         string   `json:"search_blob"` // title + criteria, capped
}

// Client is the ticketing-system collaborator consumed by the pipeline.
type Client interface {
	// FetchChildren returns existing sibling items under the epic.
	FetchChildren(ctx context.Context, epicID string) ([]ChildItem, error)

	// CreateItems materializes items and returns their ids in input order.
	CreateItems(ctx context.Context, items []NewItem) ([]string, error)
}

// HTTPClient talks to the ticketing service over its REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds a ticketing client from config.
func NewHTTPClient(cfg config.TicketingConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) FetchChildren(ctx context.Context, epicID string) ([]ChildItem, error) {
	endpoint := fmt.Sprintf("%s/api/epics/%s/children", c.baseURL, url.PathEscape(epicID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch children: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticketing status %d", resp.StatusCode)
	}

	var out struct {
		Items []ChildItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode children: %w", err)
	}
	return out.Items, nil
}

func (c *HTTPClient) CreateItems(ctx context.Context, items []NewItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]interface{}{"items": items})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/items/bulk", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create items: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("ticketing status %d", resp.StatusCode)
	}

	var out struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	if len(out.IDs) != len(items) {
		return nil, fmt.Errorf("ticketing returned %d ids for %d items", len(out.IDs), len(items))
	}
	return out.IDs, nil
}
