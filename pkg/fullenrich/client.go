// Package fullenrich is a thin client for FullEnrich company search.
package fullenrich

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/resilience"
)

const defaultBaseURL = "https://api.fullenrich.com/v1"

// Client searches FullEnrich companies.
type Client interface {
	SearchCompany(ctx context.Context, name, location string) (*SearchResponse, error)
}

// SearchResponse is the response from /company/search.
type SearchResponse struct {
	Companies []Company `json:"companies"`
}

// Company is a FullEnrich company candidate.
type Company struct {
	Name    string `json:"name"`
	Website string `json:"website"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a FullEnrich client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type searchRequest struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

func (c *httpClient) SearchCompany(ctx context.Context, name, location string) (*SearchResponse, error) {
	payload, err := json.Marshal(searchRequest{Name: name, Location: location})
	if err != nil {
		return nil, eris.Wrap(err, "fullenrich: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/company/search", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "fullenrich: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fullenrich: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "fullenrich: read response")
	}
	if err := resilience.CheckStatus("fullenrich", resp.StatusCode, body); err != nil {
		return nil, err
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "fullenrich: unmarshal response")
	}
	return &out, nil
}
