// Package webscan finds contact email addresses on a company website by
// fetching its homepage and, when that yields nothing, one contact page.
package webscan

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/sells-group/review-enrich/internal/resilience"
)

const maxBody = 2 << 20

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// contactPaths are tried in order; only the first one linked from the
// homepage is fetched.
var contactPaths = []string{"/contact", "/contact-us", "/about", "/about-us"}

var placeholderEmails = map[string]bool{
	"user@domain.com":     true,
	"test@test.com":       true,
	"example@example.com": true,
	"name@domain.com":     true,
	"email@domain.com":    true,
	"info@domain.com":     true,
	"admin@domain.com":    true,
}

// Scanner fetches pages and extracts addresses.
type Scanner struct {
	http      *http.Client
	userAgent string
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Scanner) { s.http = hc }
}

// New creates a Scanner.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		http:      &http.Client{Timeout: 12 * time.Second},
		userAgent: "Mozilla/5.0 (compatible; review-enrich/1.0)",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BaseURL normalizes a website or bare domain to scheme://host.
func BaseURL(website string) (string, bool) {
	w := strings.TrimSpace(website)
	if w == "" {
		return "", false
	}
	if !strings.Contains(w, "://") {
		w = "https://" + w
	}
	u, err := url.Parse(w)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// IsPlaceholder reports whether an address is a template value.
func IsPlaceholder(email string) bool {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" || !strings.Contains(e, "@") {
		return true
	}
	if placeholderEmails[e] {
		return true
	}
	if strings.HasSuffix(e, "@example.com") || strings.HasSuffix(e, "@domain.com") {
		return true
	}
	return strings.HasPrefix(e, "user@") || strings.HasPrefix(e, "email@") || strings.HasPrefix(e, "name@")
}

// Scan returns the non-placeholder addresses found on the homepage of
// website, or on its first linked contact page when the homepage has none.
func (s *Scanner) Scan(ctx context.Context, website string) ([]string, error) {
	base, ok := BaseURL(website)
	if !ok {
		return nil, eris.Errorf("webscan: invalid website %q", website)
	}

	body, err := s.fetch(ctx, base)
	if err != nil {
		return nil, err
	}
	emails, links := extract(body)
	if len(emails) > 0 {
		return emails, nil
	}

	next := pickContactPath(links, body)
	if next == "" {
		return nil, nil
	}
	body, err = s.fetch(ctx, base+next)
	if err != nil {
		return nil, err
	}
	emails, _ = extract(body)
	return emails, nil
}

func (s *Scanner) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "webscan: create request")
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "webscan: get %s", u)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrap(err, "webscan: read body")
	}
	if err := resilience.CheckStatus("webscan", resp.StatusCode, nil); err != nil {
		return nil, err
	}
	return body, nil
}

// extract walks the document collecting mailto targets, addresses in text
// nodes, and same-site link paths.
func extract(body []byte) ([]string, []string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return dedupe(emailRe.FindAllString(string(body), -1)), nil
	}

	var found, links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "a" {
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					href := strings.TrimSpace(attr.Val)
					if after, ok := strings.CutPrefix(strings.ToLower(href), "mailto:"); ok {
						addr, _, _ := strings.Cut(after, "?")
						found = append(found, addr)
						continue
					}
					links = append(links, href)
				}
			}
		case html.TextNode:
			found = append(found, emailRe.FindAllString(n.Data, -1)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return dedupe(found), links
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if IsPlaceholder(e) || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func pickContactPath(links []string, body []byte) string {
	lowered := strings.ToLower(string(body))
	for _, p := range contactPaths {
		for _, l := range links {
			lp := strings.ToLower(l)
			if lp == p || strings.HasPrefix(lp, p+"/") || strings.HasPrefix(lp, p+"?") {
				return p
			}
		}
		if strings.Contains(lowered, `href="`+p+`"`) {
			return p
		}
	}
	return ""
}
