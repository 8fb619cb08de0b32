package waterfall

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/provider"
)

// Config is the top-level waterfall configuration: provider order and
// acceptance thresholds for every resolved field.
type Config struct {
	Domain DomainConfig `yaml:"domain"`
	Local  LocalConfig  `yaml:"local"`
	Email  EmailConfig  `yaml:"email"`
	Legal  LegalConfig  `yaml:"legal"`
}

// DomainConfig configures domain resolution.
type DomainConfig struct {
	// InputHighOverlap is the name/domain token overlap at which a domain
	// taken from the input website is rated high rather than medium.
	InputHighOverlap float64      `yaml:"input_high_overlap"`
	Sources          []TierConfig `yaml:"sources"`
	// Blocklist holds substrings that mark a domain as generic or placeholder.
	Blocklist []string `yaml:"blocklist"`
}

// TierConfig configures one company-search provider in the domain chain.
type TierConfig struct {
	Name               string  `yaml:"name"`
	MinOverlap         float64 `yaml:"min_overlap"`
	HighOverlap        float64 `yaml:"high_overlap"`
	FirstCandidateOnly bool    `yaml:"first_candidate_only"`
	HighOnly           bool    `yaml:"high_only"`
	RejectGeneric      bool    `yaml:"reject_generic"`
}

// LocalConfig configures local-business resolution.
type LocalConfig struct {
	Sources []string `yaml:"sources"`
	// PhoneConfidence rates a phone taken from a single listing. Listings
	// are never merged, so no phone is corroborated across providers.
	PhoneConfidence model.Confidence `yaml:"phone_confidence"`
	// DefaultRegion is the phone region assumed for numbers without a
	// country code.
	DefaultRegion string `yaml:"default_region"`
}

// EmailConfig configures email resolution. Addresses from the first source
// are rated by mailbox type; any later source yields Fallback.
type EmailConfig struct {
	Sources          []string         `yaml:"sources"`
	GenericMailboxes []string         `yaml:"generic_mailboxes"`
	PrimaryGeneric   model.Confidence `yaml:"primary_generic"`
	PrimaryPerson    model.Confidence `yaml:"primary_person"`
	Fallback         model.Confidence `yaml:"fallback"`
}

// LegalConfig configures legal-entity verification.
type LegalConfig struct {
	Sources          []string `yaml:"sources"`
	MinSimilarity    float64  `yaml:"min_similarity"`
	MediumSimilarity float64  `yaml:"medium_similarity"`
	HighSimilarity   float64  `yaml:"high_similarity"`
}

// DefaultConfig returns the production provider order and thresholds.
func DefaultConfig() *Config {
	return &Config{
		Domain: DomainConfig{
			InputHighOverlap: 0.5,
			Sources: []TierConfig{
				{Name: provider.FullEnrich, MinOverlap: 0.7, HighOverlap: 0.7, FirstCandidateOnly: true, HighOnly: true},
				{Name: provider.Apollo, MinOverlap: 0.7, HighOverlap: 0.85, RejectGeneric: true},
			},
			Blocklist: []string{"example.com", "test.com", "placeholder", "tempuri", "localhost"},
		},
		Local: LocalConfig{
			Sources:         []string{provider.GooglePlaces, provider.Yelp},
			PhoneConfidence: model.ConfidenceMedium,
			DefaultRegion:   "US",
		},
		Email: EmailConfig{
			Sources:          []string{provider.Hunter, provider.Snov, provider.Apollo, provider.WebsiteScan},
			GenericMailboxes: []string{"info", "support", "sales", "hello", "contact", "admin"},
			PrimaryGeneric:   model.ConfidenceHigh,
			PrimaryPerson:    model.ConfidenceMedium,
			Fallback:         model.ConfidenceLow,
		},
		Legal: LegalConfig{
			Sources:          []string{provider.OpenCorporates},
			MinSimilarity:    0.7,
			MediumSimilarity: 0.85,
			HighSimilarity:   0.95,
		},
	}
}

// LoadConfig reads waterfall config from a YAML file. Keys absent from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}

	// The YAML has a top-level "waterfall" key
	wrapper := struct {
		Waterfall *Config `yaml:"waterfall"`
	}{Waterfall: DefaultConfig()}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := wrapper.Waterfall
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that thresholds are ordered and within [0, 1].
func (c *Config) Validate() error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return eris.Errorf("waterfall: %s must be within [0, 1], got %v", name, v)
		}
		return nil
	}
	if err := check("domain.input_high_overlap", c.Domain.InputHighOverlap); err != nil {
		return err
	}
	for _, t := range c.Domain.Sources {
		if t.Name == "" {
			return eris.New("waterfall: domain source without name")
		}
		if err := check("domain."+t.Name+".min_overlap", t.MinOverlap); err != nil {
			return err
		}
		if err := check("domain."+t.Name+".high_overlap", t.HighOverlap); err != nil {
			return err
		}
		if t.HighOverlap < t.MinOverlap {
			return eris.Errorf("waterfall: domain.%s high_overlap below min_overlap", t.Name)
		}
	}
	l := c.Legal
	if l.MinSimilarity > l.MediumSimilarity || l.MediumSimilarity > l.HighSimilarity {
		return eris.New("waterfall: legal similarity tiers must satisfy min <= medium <= high")
	}
	return check("legal.high_similarity", l.HighSimilarity)
}

// Providers returns every provider name referenced by the config.
func (c *Config) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	for _, t := range c.Domain.Sources {
		add(t.Name)
	}
	add(c.Local.Sources...)
	add(c.Email.Sources...)
	add(c.Legal.Sources...)
	return out
}
