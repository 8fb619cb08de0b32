// Package apollo is a thin client for Apollo organization and people search.
package apollo

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

const defaultBaseURL = "https://api.apollo.io/v1"

// Client performs Apollo search operations.
type Client interface {
	SearchOrganizations(ctx context.Context, name string, perPage int) (*OrganizationsResponse, error)
	SearchPeople(ctx context.Context, domain string, perPage int) (*PeopleResponse, error)
}

// OrganizationsResponse is the response from /organizations/search.
type OrganizationsResponse struct {
	Organizations []Organization `json:"organizations"`
}

// Organization is an Apollo organization.
type Organization struct {
	Name          string `json:"name"`
	WebsiteURL    string `json:"website_url"`
	PrimaryDomain string `json:"primary_domain"`
	Phone         string `json:"phone"`
}

// Website returns the website URL, falling back to the primary domain.
func (o Organization) Website() string {
	if o.WebsiteURL != "" {
		return o.WebsiteURL
	}
	return o.PrimaryDomain
}

// PeopleResponse is the response from /mixed_people/search.
type PeopleResponse struct {
	People []Person `json:"people"`
}

// Person is an Apollo contact.
type Person struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	Email string `json:"email"`
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

// NewClient creates an Apollo client. Apollo authenticates with the
// X-Api-Key header, not a body field.
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

func (c *httpClient) SearchOrganizations(ctx context.Context, name string, perPage int) (*OrganizationsResponse, error) {
	var out OrganizationsResponse
	err := c.post(ctx, "/organizations/search", map[string]any{
		"q_organization_name": name,
		"per_page":            perPage,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) SearchPeople(ctx context.Context, domain string, perPage int) (*PeopleResponse, error) {
	var out PeopleResponse
	err := c.post(ctx, "/mixed_people/search", map[string]any{
		"q_organization_domains": domain,
		"per_page":               perPage,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "apollo: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "apollo: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "apollo: send request %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "apollo: read response")
	}
	if err := resilience.CheckStatus("apollo", resp.StatusCode, respBody); err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "apollo: unmarshal response")
	}
	return nil
}
