package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Confidence is a coarse ordinal quality rating for a resolved value.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "none"
	}
}

// ParseConfidence converts a tier name back into a Confidence.
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ConfidenceNone, nil
	case "low":
		return ConfidenceLow, nil
	case "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	}
	return ConfidenceNone, eris.Errorf("model: unknown confidence %q", s)
}

func (c Confidence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Confidence) UnmarshalText(b []byte) error {
	v, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Outcome tags how a provider or waterfall step ended.
type Outcome string

const (
	OutcomeFound         Outcome = "found"
	OutcomeNoMatch       Outcome = "no_match"
	OutcomeNotConfigured Outcome = "not_configured"
	OutcomeError         Outcome = "error"
)

// Field names resolved by the waterfalls.
const (
	FieldDomain = "domain"
	FieldLocal  = "local"
	FieldPhone  = "phone"
	FieldEmail  = "email"
	FieldLegal  = "legal"
)

// FieldResult is the resolved value of one field.
type FieldResult struct {
	Field      string     `json:"field"`
	Outcome    Outcome    `json:"outcome"`
	Value      string     `json:"value,omitempty"`
	Confidence Confidence `json:"confidence"`
	Source     string     `json:"source,omitempty"`
	Err        string     `json:"error,omitempty"`
}

// Found reports whether the field carries a value.
func (f FieldResult) Found() bool { return f.Outcome == OutcomeFound && f.Value != "" }

// NotFound builds an empty result for field.
func NotFound(field string, outcome Outcome) FieldResult {
	return FieldResult{Field: field, Outcome: outcome, Confidence: ConfidenceNone}
}

// Attempt records one provider consultation inside a waterfall.
type Attempt struct {
	Field      string        `json:"field"`
	Provider   string        `json:"provider"`
	Outcome    Outcome       `json:"outcome"`
	Value      string        `json:"value,omitempty"`
	Confidence Confidence    `json:"confidence"`
	Err        string        `json:"error,omitempty"`
	Calls      int           `json:"calls,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// Place is the local-business detail returned by a local search provider.
type Place struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Website    string `json:"website,omitempty"`
}

// Empty reports whether the place carries none of phone, address or website.
func (p Place) Empty() bool {
	return p.Phone == "" && p.Address == "" && p.Website == ""
}

// LegalMatch is the verified registry entry for an entity.
type LegalMatch struct {
	Name         string     `json:"name,omitempty"`
	Jurisdiction string     `json:"jurisdiction,omitempty"`
	Number       string     `json:"number,omitempty"`
	Incorporated string     `json:"incorporated,omitempty"`
	Address      string     `json:"address,omitempty"`
	Similarity   float64    `json:"similarity,omitempty"`
	Confidence   Confidence `json:"confidence"`
	Source       string     `json:"source,omitempty"`
	Outcome      Outcome    `json:"outcome,omitempty"`
	Err          string     `json:"error,omitempty"`
}

// Overall is the lead-level confidence derived from the field confidences.
type Overall string

const (
	OverallHigh   Overall = "high"
	OverallMedium Overall = "medium"
	OverallLow    Overall = "low"
	OverallFailed Overall = "failed"
)

// Record is the accumulated enrichment result for one entity.
type Record struct {
	Key        string      `json:"key"`
	Name       string      `json:"name"`
	Domain     FieldResult `json:"domain"`
	Phone      FieldResult `json:"phone"`
	Email      FieldResult `json:"email"`
	Place      Place       `json:"place"`
	Legal      LegalMatch  `json:"legal"`
	Overall    Overall     `json:"overall"`
	Note       string      `json:"note,omitempty"`
	Error      string      `json:"error,omitempty"`
	Trace      []Attempt   `json:"trace,omitempty"`
	EnrichedAt time.Time   `json:"enriched_at"`
}

// Failed reports whether the record carries an entity-level failure.
func (r Record) Failed() bool { return r.Error != "" }

// ErrorRecord builds the record used when enriching an entity failed.
func ErrorRecord(e Entity, err error) Record {
	return Record{
		Key:        e.Key,
		Name:       e.Name,
		Domain:     NotFound(FieldDomain, OutcomeError),
		Phone:      NotFound(FieldPhone, OutcomeError),
		Email:      NotFound(FieldEmail, OutcomeError),
		Overall:    OverallFailed,
		Note:       "Enrichment error",
		Error:      TruncateError(err.Error()),
		EnrichedAt: time.Now().UTC(),
	}
}

// ComputeOverall derives the lead confidence from the domain, phone and
// email confidences.
func ComputeOverall(domain, phone, email Confidence) (Overall, string) {
	switch {
	case domain == ConfidenceHigh && phone >= ConfidenceMedium && email >= ConfidenceMedium:
		return OverallHigh, "Complete enrichment with high confidence"
	case domain >= ConfidenceMedium || phone >= ConfidenceMedium || email >= ConfidenceMedium:
		return OverallMedium, "Partial enrichment with medium confidence"
	case domain >= ConfidenceLow || phone >= ConfidenceLow || email >= ConfidenceLow:
		return OverallLow, "Minimal enrichment with low confidence"
	default:
		return OverallFailed, "No useful enrichment data found"
	}
}
