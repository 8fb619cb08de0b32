// Package snov is a thin client for Snov.io domain email search. Calls use
// a bearer token obtained through the client-credentials grant.
package snov

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/resilience"
)

const defaultBaseURL = "https://api.snov.io"

// Client queries Snov.io.
type Client interface {
	DomainEmails(ctx context.Context, domain string) ([]Email, error)
}

// Email is one address Snov.io returned for a domain.
type Email struct {
	Email    string `json:"email"`
	Type     string `json:"type,omitempty"`
	Position string `json:"position,omitempty"`
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
	clientID     string
	clientSecret string
	baseURL      string
	http         *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a Snov.io client.
func NewClient(clientID, clientSecret string, opts ...Option) Client {
	c := &httpClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      defaultBaseURL,
		http:         &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *httpClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", eris.Wrap(err, "snov: create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if err := resilience.CheckStatus("snov", status, body); err != nil {
		return "", err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", eris.Wrap(err, "snov: unmarshal token")
	}
	if tr.AccessToken == "" {
		return "", eris.New("snov: empty access token")
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c.token = tr.AccessToken
	c.tokenExp = time.Now().Add(ttl - time.Minute)
	return c.token, nil
}

func (c *httpClient) DomainEmails(ctx context.Context, domain string) ([]Email, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("domain", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/domain/emails?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "snov: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if err := resilience.CheckStatus("snov", status, body); err != nil {
		return nil, err
	}
	return decodeEmails(body)
}

func (c *httpClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrap(err, "snov: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, eris.Wrap(err, "snov: read response")
	}
	return body, resp.StatusCode, nil
}

// decodeEmails accepts {"data":[...]}, {"emails":[...]} or a bare list.
func decodeEmails(body []byte) ([]Email, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []Email
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, eris.Wrap(err, "snov: unmarshal emails")
		}
		return list, nil
	}

	var wrapped struct {
		Data   []Email `json:"data"`
		Emails []Email `json:"emails"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, eris.Wrap(err, "snov: unmarshal emails")
	}
	if len(wrapped.Data) > 0 {
		return wrapped.Data, nil
	}
	return wrapped.Emails, nil
}
