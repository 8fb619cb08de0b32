// Package opencorporates is a thin client for the OpenCorporates company
// search API. An API token is optional; without one the public rate limit
// applies.
package opencorporates

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/resilience"
)

const defaultBaseURL = "https://api.opencorporates.com/v0.4"

// Client searches company registries.
type Client interface {
	SearchCompanies(ctx context.Context, name, jurisdiction string, perPage int) ([]Company, error)
}

// Company is one registry entry.
type Company struct {
	Name              string `json:"name"`
	CompanyNumber     string `json:"company_number"`
	JurisdictionCode  string `json:"jurisdiction_code"`
	IncorporationDate string `json:"incorporation_date"`
	RegisteredAddress string `json:"registered_address_in_full"`
}

type searchResponse struct {
	Results struct {
		Companies []struct {
			Company Company `json:"company"`
		} `json:"companies"`
	} `json:"results"`
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
	apiToken string
	baseURL  string
	http     *http.Client
}

// NewClient creates an OpenCorporates client. apiToken may be empty.
func NewClient(apiToken string, opts ...Option) Client {
	c := &httpClient{
		apiToken: apiToken,
		baseURL:  defaultBaseURL,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchCompanies(ctx context.Context, name, jurisdiction string, perPage int) ([]Company, error) {
	q := url.Values{}
	q.Set("q", name)
	q.Set("per_page", strconv.Itoa(perPage))
	if jurisdiction != "" {
		q.Set("jurisdiction_code", jurisdiction)
	}
	if c.apiToken != "" {
		q.Set("api_token", c.apiToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/companies/search?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "opencorporates: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "opencorporates: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "opencorporates: read response")
	}
	if err := resilience.CheckStatus("opencorporates", resp.StatusCode, body); err != nil {
		return nil, err
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, eris.Wrap(err, "opencorporates: unmarshal response")
	}
	out := make([]Company, 0, len(sr.Results.Companies))
	for _, item := range sr.Results.Companies {
		out = append(out, item.Company)
	}
	return out, nil
}
