// Package provider defines the capabilities the enrichment waterfalls
// consult and adapts the vendor clients under pkg/ to them.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/review-enrich/internal/model"
)

// Provider names, as used in waterfall order lists and limiter config.
const (
	GooglePlaces   = "google_places"
	Yelp           = "yelp"
	FullEnrich     = "fullenrich"
	Apollo         = "apollo"
	Hunter         = "hunter"
	Snov           = "snov"
	OpenCorporates = "opencorporates"
	WebsiteScan    = "website_scan"
)

// Provider is the common surface of every data provider.
type Provider interface {
	// Name returns the provider identifier.
	Name() string
	// Configured reports whether the provider has the credentials it needs.
	Configured() bool
}

// Company is an organization candidate returned by a company search.
type Company struct {
	Name    string
	Website string
}

// LegalEntity is a registry candidate.
type LegalEntity struct {
	Name         string
	Jurisdiction string
	Number       string
	Incorporated string
	Address      string
}

// CompanySearcher finds organizations (and their websites) by name.
type CompanySearcher interface {
	Provider
	SearchCompanies(ctx context.Context, e model.Entity) ([]Company, error)
}

// LocalSearcher finds the local-business listing for an entity. A nil
// place with a nil error means no listing.
type LocalSearcher interface {
	Provider
	SearchLocal(ctx context.Context, e model.Entity) (*model.Place, error)
}

// EmailFinder lists candidate addresses for a domain.
type EmailFinder interface {
	Provider
	FindEmails(ctx context.Context, domain string) ([]string, error)
}

// LegalRegistry searches company registries.
type LegalRegistry interface {
	Provider
	SearchRegistry(ctx context.Context, e model.Entity) ([]LegalEntity, error)
}

// Registry manages available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing returns the names in required that are absent or unconfigured.
func (r *Registry) Missing(required []string) []string {
	var out []string
	for _, name := range required {
		p := r.Get(name)
		if p == nil || !p.Configured() {
			out = append(out, name)
		}
	}
	return out
}

// CompanySearchers resolves names, in order, to company searchers.
// Unknown names and providers lacking the capability are skipped.
func (r *Registry) CompanySearchers(order []string) []CompanySearcher {
	return capable[CompanySearcher](r, order)
}

// LocalSearchers resolves names, in order, to local searchers.
func (r *Registry) LocalSearchers(order []string) []LocalSearcher {
	return capable[LocalSearcher](r, order)
}

// EmailFinders resolves names, in order, to email finders.
func (r *Registry) EmailFinders(order []string) []EmailFinder {
	return capable[EmailFinder](r, order)
}

// LegalRegistries resolves names, in order, to legal registries.
func (r *Registry) LegalRegistries(order []string) []LegalRegistry {
	return capable[LegalRegistry](r, order)
}

func capable[T Provider](r *Registry, order []string) []T {
	out := make([]T, 0, len(order))
	for _, name := range order {
		if p, ok := r.Get(name).(T); ok {
			out = append(out, p)
		}
	}
	return out
}
