package waterfall

import (
	"sort"
	"strings"
)

var noReplyMarkers = []string{"noreply", "no-reply", "donotreply", "do-not-reply"}

// ScoreEmail rates an address by its mailbox name. No-reply and
// example.com addresses are heavily penalized; info@, support@ and
// contact@ are preferred in that order.
func ScoreEmail(addr string) int {
	a := strings.ToLower(strings.TrimSpace(addr))
	local, _, _ := strings.Cut(a, "@")

	for _, m := range noReplyMarkers {
		if strings.Contains(local, m) {
			return -100
		}
	}
	if strings.HasSuffix(a, "@example.com") {
		return -100
	}
	switch local {
	case "info":
		return 30
	case "support":
		return 20
	case "contact":
		return 10
	}
	return 0
}

// PickEmail returns the top-scoring unique address among candidates. Ties
// keep provider order.
func PickEmail(candidates []string) (string, bool) {
	seen := make(map[string]bool, len(candidates))
	uniq := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || !strings.Contains(c, "@") || seen[c] {
			continue
		}
		seen[c] = true
		uniq = append(uniq, c)
	}
	if len(uniq) == 0 {
		return "", false
	}
	sort.SliceStable(uniq, func(i, j int) bool { return ScoreEmail(uniq[i]) > ScoreEmail(uniq[j]) })
	return uniq[0], true
}

// IsGenericMailbox reports whether addr's mailbox is one of mailboxes, such
// as info@ or sales@, rather than a person's address.
func IsGenericMailbox(addr string, mailboxes []string) bool {
	local, _, ok := strings.Cut(strings.ToLower(strings.TrimSpace(addr)), "@")
	if !ok {
		return false
	}
	for _, m := range mailboxes {
		if local == strings.ToLower(m) {
			return true
		}
	}
	return false
}
