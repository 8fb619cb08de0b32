// Package yelp is a thin client for the Yelp Fusion business search API.
package yelp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/resilience"
)

const defaultBaseURL = "https://api.yelp.com/v3"

// Client searches Yelp businesses.
type Client interface {
	Search(ctx context.Context, term, location string) (*SearchResponse, error)
}

// SearchResponse is the response from /businesses/search.
type SearchResponse struct {
	Businesses []Business `json:"businesses"`
}

// Business is one Yelp business.
type Business struct {
	Name         string   `json:"name"`
	Phone        string   `json:"phone"`
	DisplayPhone string   `json:"display_phone"`
	URL          string   `json:"url"`
	Location     Location `json:"location"`
}

// Location is a business address.
type Location struct {
	City           string   `json:"city"`
	State          string   `json:"state"`
	ZipCode        string   `json:"zip_code"`
	Country        string   `json:"country"`
	DisplayAddress []string `json:"display_address"`
}

// Address joins the non-empty display address lines.
func (l Location) Address() string {
	parts := make([]string, 0, len(l.DisplayAddress))
	for _, p := range l.DisplayAddress {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
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

// NewClient creates a Yelp Fusion client.
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

func (c *httpClient) Search(ctx context.Context, term, location string) (*SearchResponse, error) {
	if location == "" {
		location = "United States"
	}
	q := url.Values{}
	q.Set("term", term)
	q.Set("location", location)
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/businesses/search?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "yelp: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "yelp: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "yelp: read response")
	}
	if err := resilience.CheckStatus("yelp", resp.StatusCode, body); err != nil {
		return nil, err
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "yelp: unmarshal response")
	}
	return &out, nil
}
