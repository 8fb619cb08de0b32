package batch

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sells-group/review-enrich/internal/model"
)

var (
	otherNames = set("consumer", "customer", "anonymous", "business account", "anon",
		"customer service", "consumer.displayname")

	legalSuffixes = set("llc", "inc", "corp", "corporation", "co", "ltd", "llp", "pllc",
		"pc", "p.c", "incorporated")

	businessKeywords = set("auto", "boutique", "truck", "trucking", "transport", "logistics",
		"express", "freight", "construction", "roofing", "plumbing", "electric",
		"electrical", "hvac", "pools", "pool", "janitorial", "cleaning", "detail",
		"detailing", "cafe", "café", "restaurant", "eatery", "grill", "bar", "boba",
		"spa", "studio", "studios", "photography", "media", "therapy", "hypnosis",
		"clinic", "homecare", "care", "services", "service", "funding", "capital",
		"equity", "lending", "finance", "financial", "insurance", "realty",
		"properties", "cycles", "tractor", "works", "wholesale",
		"distribution", "distributor", "supply", "supplies")

	multiWordKeywords = []string{"real estate"}

	businessEndings = []string{"café", "cafe", "grill", "spa", "trucking", "custom cycles", "tractor works"}

	orgTerms = []string{"academy", "operations lead", "equity", "contracting services",
		"senior ins services", "children academy"}

	nameSuffixes = set("jr", "sr", "ii", "iii", "iv", "md", "phd", "esq")

	nicknameWords = set("big", "little", "junior", "uncle", "aunt")

	tokenRe     = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	ampersandRe = regexp.MustCompile(`[\p{L}\p{N}_]+\s*&\s*[\p{L}\p{N}_]+`)
	nicknameRes = []*regexp.Regexp{
		regexp.MustCompile(`^uncle\s+\S+`),
		regexp.MustCompile(`(^|\s)big\s+\S+`),
		regexp.MustCompile(`(^|\s)junior\s+\S+`),
		regexp.MustCompile(`(^|\s)speedy(\s|$)`),
	}
)

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func in(m map[string]struct{}, s string) bool {
	_, ok := m[s]
	return ok
}

// Classify labels a raw display name as a business, a person or other.
// Rules run in order and the first match wins.
func Classify(displayName string) model.NameClass {
	raw := strings.TrimSpace(displayName)
	if raw == "" {
		return model.NameOther
	}
	norm := strings.ToLower(raw)
	tokens := tokenRe.FindAllString(norm, -1)

	switch {
	case in(otherNames, norm):
		return model.NameOther
	case strings.Contains(norm, ",") && len(tokens) == 2:
		// "City, State"
		return model.NameOther
	case hasLegalSuffix(tokens):
		return model.NameBusiness
	case hasKeyword(tokens, norm):
		return model.NameBusiness
	case ampersandRe.MatchString(norm) || hasEnding(norm):
		return model.NameBusiness
	case hasOrgTerm(norm):
		return model.NameBusiness
	case acronym(tokenRe.FindAllString(raw, -1)):
		// Keyword acronyms were already taken as businesses above.
		return model.NameOther
	case humanName(tokens), nickname(norm):
		return model.NamePerson
	case len(tokens) >= 2 && len(tokens) <= 3:
		return model.NamePerson
	}
	return model.NameOther
}

func hasLegalSuffix(tokens []string) bool {
	for _, t := range tokens {
		if in(legalSuffixes, t) {
			return true
		}
	}
	return false
}

func hasKeyword(tokens []string, norm string) bool {
	for _, t := range tokens {
		if in(businessKeywords, t) {
			return true
		}
	}
	for _, k := range multiWordKeywords {
		if strings.Contains(norm, k) {
			return true
		}
	}
	return false
}

func hasEnding(norm string) bool {
	for _, e := range businessEndings {
		if strings.HasSuffix(norm, e) {
			return true
		}
	}
	return false
}

func hasOrgTerm(norm string) bool {
	for _, t := range orgTerms {
		if strings.Contains(norm, t) {
			return true
		}
	}
	return false
}

func humanName(tokens []string) bool {
	if len(tokens) < 1 || len(tokens) > 4 {
		return false
	}
	n := 0
	for _, t := range tokens {
		if !in(nameSuffixes, t) {
			n++
		}
	}
	return n >= 1 && n <= 3
}

func nickname(norm string) bool {
	for _, re := range nicknameRes {
		if re.MatchString(norm) {
			return true
		}
	}
	words := strings.Fields(norm)
	if len(words) < 3 {
		return false
	}
	for _, w := range words {
		if in(nicknameWords, w) {
			return true
		}
	}
	return false
}

// acronym matches a single all-caps token of 2 to 4 letters.
func acronym(rawTokens []string) bool {
	if len(rawTokens) != 1 {
		return false
	}
	t := []rune(rawTokens[0])
	if len(t) < 2 || len(t) > 4 {
		return false
	}
	for _, r := range t {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}
