package waterfall

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone formats raw as E.164, assuming region for numbers without
// a country code. Unparseable or invalid numbers are returned trimmed and
// reported as not normalized.
func NormalizePhone(raw, region string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if region == "" {
		region = "US"
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return raw, false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}
