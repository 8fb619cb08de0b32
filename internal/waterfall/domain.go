package waterfall

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractDomain returns the registrable domain (eTLD+1) of a URL or bare
// host, e.g. "https://www.shop.acme.co.uk/x" -> "acme.co.uk".
func ExtractDomain(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" || !strings.Contains(host, ".") || net.ParseIP(host) != nil {
		return "", false
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return d, true
}

// IsGeneric reports whether domain contains any blocklisted pattern.
func IsGeneric(domain string, blocklist []string) bool {
	d := strings.ToLower(domain)
	for _, p := range blocklist {
		if p != "" && strings.Contains(d, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
