package provider

import (
	"context"
	"strings"

	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/pkg/apollo"
	"github.com/sells-group/review-enrich/pkg/fullenrich"
	"github.com/sells-group/review-enrich/pkg/google"
	"github.com/sells-group/review-enrich/pkg/hunter"
	"github.com/sells-group/review-enrich/pkg/opencorporates"
	"github.com/sells-group/review-enrich/pkg/snov"
	"github.com/sells-group/review-enrich/pkg/webscan"
	"github.com/sells-group/review-enrich/pkg/yelp"
)

type base struct {
	name       string
	configured bool
}

func (b base) Name() string      { return b.name }
func (b base) Configured() bool { return b.configured }

// searchRegion is the location hint sent to name searches: state when
// known, otherwise whatever region the entity carries.
func searchRegion(e model.Entity) string {
	if e.State != "" {
		return e.State
	}
	return e.Region()
}

// GooglePlacesProvider adapts the Places client to LocalSearcher.
type GooglePlacesProvider struct {
	base
	client google.Client
}

// NewGooglePlaces wraps a Places client.
func NewGooglePlaces(c google.Client, configured bool) *GooglePlacesProvider {
	return &GooglePlacesProvider{base: base{GooglePlaces, configured}, client: c}
}

func (p *GooglePlacesProvider) SearchLocal(ctx context.Context, e model.Entity) (*model.Place, error) {
	query := strings.TrimSpace(e.Name + " " + e.Region())
	resp, err := p.client.TextSearch(ctx, query)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Places) == 0 {
		return nil, nil
	}
	gp := resp.Places[0]
	return &model.Place{
		Name:       gp.DisplayName.Text,
		Phone:      gp.Phone(),
		Address:    gp.FormattedAddress,
		City:       gp.Component("locality", false),
		State:      gp.Component("administrative_area_level_1", true),
		PostalCode: gp.Component("postal_code", false),
		Country:    gp.Component("country", true),
		Website:    gp.WebsiteURI,
	}, nil
}

// YelpProvider adapts the Yelp client to LocalSearcher.
type YelpProvider struct {
	base
	client yelp.Client
}

// NewYelp wraps a Yelp client.
func NewYelp(c yelp.Client, configured bool) *YelpProvider {
	return &YelpProvider{base: base{Yelp, configured}, client: c}
}

func (p *YelpProvider) SearchLocal(ctx context.Context, e model.Entity) (*model.Place, error) {
	resp, err := p.client.Search(ctx, e.Name, e.Region())
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Businesses) == 0 {
		return nil, nil
	}
	b := resp.Businesses[0]
	phone := b.Phone
	if phone == "" {
		phone = b.DisplayPhone
	}
	return &model.Place{
		Name:       b.Name,
		Phone:      phone,
		Address:    b.Location.Address(),
		City:       b.Location.City,
		State:      b.Location.State,
		PostalCode: b.Location.ZipCode,
		Country:    b.Location.Country,
		Website:    b.URL,
	}, nil
}

// FullEnrichProvider adapts FullEnrich company search to CompanySearcher.
type FullEnrichProvider struct {
	base
	client fullenrich.Client
}

// NewFullEnrich wraps a FullEnrich client.
func NewFullEnrich(c fullenrich.Client, configured bool) *FullEnrichProvider {
	return &FullEnrichProvider{base: base{FullEnrich, configured}, client: c}
}

func (p *FullEnrichProvider) SearchCompanies(ctx context.Context, e model.Entity) ([]Company, error) {
	resp, err := p.client.SearchCompany(ctx, e.Name, searchRegion(e))
	if err != nil {
		return nil, err
	}
	out := make([]Company, 0, len(resp.Companies))
	for _, c := range resp.Companies {
		out = append(out, Company{Name: c.Name, Website: c.Website})
	}
	return out, nil
}

// ApolloProvider serves both organization search and people emails.
type ApolloProvider struct {
	base
	client apollo.Client
}

// NewApollo wraps an Apollo client.
func NewApollo(c apollo.Client, configured bool) *ApolloProvider {
	return &ApolloProvider{base: base{Apollo, configured}, client: c}
}

func (p *ApolloProvider) SearchCompanies(ctx context.Context, e model.Entity) ([]Company, error) {
	resp, err := p.client.SearchOrganizations(ctx, e.Name, 5)
	if err != nil {
		return nil, err
	}
	out := make([]Company, 0, len(resp.Organizations))
	for _, o := range resp.Organizations {
		out = append(out, Company{Name: o.Name, Website: o.Website()})
	}
	return out, nil
}

func (p *ApolloProvider) FindEmails(ctx context.Context, domain string) ([]string, error) {
	resp, err := p.client.SearchPeople(ctx, domain, 10)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, person := range resp.People {
		if person.Email != "" {
			out = append(out, person.Email)
		}
	}
	return out, nil
}

// HunterProvider adapts Hunter domain search to EmailFinder.
type HunterProvider struct {
	base
	client hunter.Client
}

// NewHunter wraps a Hunter client.
func NewHunter(c hunter.Client, configured bool) *HunterProvider {
	return &HunterProvider{base: base{Hunter, configured}, client: c}
}

func (p *HunterProvider) FindEmails(ctx context.Context, domain string) ([]string, error) {
	resp, err := p.client.DomainSearch(ctx, domain)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, em := range resp.Data.Emails {
		if em.Value != "" {
			out = append(out, em.Value)
		}
	}
	return out, nil
}

// SnovProvider adapts Snov.io domain emails to EmailFinder.
type SnovProvider struct {
	base
	client snov.Client
}

// NewSnov wraps a Snov.io client.
func NewSnov(c snov.Client, configured bool) *SnovProvider {
	return &SnovProvider{base: base{Snov, configured}, client: c}
}

func (p *SnovProvider) FindEmails(ctx context.Context, domain string) ([]string, error) {
	emails, err := p.client.DomainEmails(ctx, domain)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, em := range emails {
		if em.Email != "" {
			out = append(out, em.Email)
		}
	}
	return out, nil
}

// WebsiteScanProvider adapts the website scanner to EmailFinder.
type WebsiteScanProvider struct {
	base
	scanner *webscan.Scanner
}

// NewWebsiteScan wraps a scanner.
func NewWebsiteScan(s *webscan.Scanner, enabled bool) *WebsiteScanProvider {
	return &WebsiteScanProvider{base: base{WebsiteScan, enabled}, scanner: s}
}

func (p *WebsiteScanProvider) FindEmails(ctx context.Context, domain string) ([]string, error) {
	return p.scanner.Scan(ctx, domain)
}

// OpenCorporatesProvider adapts registry search to LegalRegistry.
type OpenCorporatesProvider struct {
	base
	client opencorporates.Client
}

// NewOpenCorporates wraps an OpenCorporates client. The public API works
// without a token, so the provider is always configured.
func NewOpenCorporates(c opencorporates.Client) *OpenCorporatesProvider {
	return &OpenCorporatesProvider{base: base{OpenCorporates, true}, client: c}
}

// Jurisdiction builds an OpenCorporates jurisdiction code such as "us_tx".
// Country defaults to "us"; an empty state yields no code.
func Jurisdiction(country, state string) string {
	state = strings.TrimSpace(state)
	if state == "" {
		return ""
	}
	country = strings.TrimSpace(country)
	if country == "" {
		country = "us"
	}
	return strings.ToLower(country + "_" + state)
}

func (p *OpenCorporatesProvider) SearchRegistry(ctx context.Context, e model.Entity) ([]LegalEntity, error) {
	companies, err := p.client.SearchCompanies(ctx, e.Name, Jurisdiction(e.Country, e.State), 5)
	if err != nil {
		return nil, err
	}
	out := make([]LegalEntity, 0, len(companies))
	for _, c := range companies {
		out = append(out, LegalEntity{
			Name:         c.Name,
			Jurisdiction: c.JurisdictionCode,
			Number:       c.CompanyNumber,
			Incorporated: c.IncorporationDate,
			Address:      c.RegisteredAddress,
		})
	}
	return out, nil
}
