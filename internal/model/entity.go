package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NameClass is the classifier verdict for a raw display name.
type NameClass string

const (
	NameBusiness NameClass = "business"
	NamePerson   NameClass = "person"
	NameOther    NameClass = "other"
)

// Row is one raw input row.
type Row struct {
	Index   int               `json:"index"`
	Name    string            `json:"name"`
	Website string            `json:"website,omitempty"`
	City    string            `json:"city,omitempty"`
	State   string            `json:"state,omitempty"`
	Country string            `json:"country,omitempty"`
	Class   NameClass         `json:"class,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Entity is one business identity to enrich. Several rows may collapse
// onto the same entity through its dedup key.
type Entity struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
	Rows    []int  `json:"rows,omitempty"`
}

// Region returns the best available location hint for provider searches.
func (e Entity) Region() string {
	parts := make([]string, 0, 2)
	if e.City != "" {
		parts = append(parts, e.City)
	}
	if e.State != "" {
		parts = append(parts, e.State)
	}
	return strings.Join(parts, ", ")
}

// DedupKey normalizes a raw name into the entity identity: diacritics
// folded, lowercased, punctuation stripped, whitespace collapsed.
func DedupKey(name string) string {
	// Transformers carry state, so each call builds its own chain.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// GroupEntities collapses business rows onto entities keyed by DedupKey.
// The first row seen for a key supplies the entity's name and context;
// later rows only fill context fields that are still empty.
func GroupEntities(rows []Row) []Entity {
	index := make(map[string]int)
	var out []Entity
	for _, r := range rows {
		if r.Class != "" && r.Class != NameBusiness {
			continue
		}
		key := DedupKey(r.Name)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, Entity{
				Key:     key,
				Name:    strings.TrimSpace(r.Name),
				Website: strings.TrimSpace(r.Website),
				City:    strings.TrimSpace(r.City),
				State:   strings.TrimSpace(r.State),
				Country: strings.TrimSpace(r.Country),
				Rows:    []int{r.Index},
			})
			continue
		}
		e := &out[i]
		e.Rows = append(e.Rows, r.Index)
		fillEmpty(&e.Website, r.Website)
		fillEmpty(&e.City, r.City)
		fillEmpty(&e.State, r.State)
		fillEmpty(&e.Country, r.Country)
	}
	return out
}

func fillEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = strings.TrimSpace(v)
	}
}
