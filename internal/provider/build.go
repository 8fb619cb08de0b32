package provider

import (
	"github.com/sells-group/review-enrich/pkg/apollo"
	"github.com/sells-group/review-enrich/pkg/fullenrich"
	"github.com/sells-group/review-enrich/pkg/google"
	"github.com/sells-group/review-enrich/pkg/hunter"
	"github.com/sells-group/review-enrich/pkg/opencorporates"
	"github.com/sells-group/review-enrich/pkg/snov"
	"github.com/sells-group/review-enrich/pkg/webscan"
	"github.com/sells-group/review-enrich/pkg/yelp"
)

// Credentials holds provider API keys.
type Credentials struct {
	GooglePlacesKey     string `mapstructure:"google_places_key"`
	YelpKey             string `mapstructure:"yelp_key"`
	FullEnrichKey       string `mapstructure:"fullenrich_key"`
	ApolloKey           string `mapstructure:"apollo_key"`
	HunterKey           string `mapstructure:"hunter_key"`
	SnovClientID        string `mapstructure:"snov_client_id"`
	SnovClientSecret    string `mapstructure:"snov_client_secret"`
	OpenCorporatesToken string `mapstructure:"opencorporates_token"`
	WebsiteScan         bool   `mapstructure:"website_scan"`
}

// Build registers every known provider with its production client.
// Providers without credentials are registered unconfigured so waterfalls
// can report them as such.
func Build(creds Credentials) *Registry {
	r := NewRegistry()
	r.Register(NewGooglePlaces(google.NewClient(creds.GooglePlacesKey), creds.GooglePlacesKey != ""))
	r.Register(NewYelp(yelp.NewClient(creds.YelpKey), creds.YelpKey != ""))
	r.Register(NewFullEnrich(fullenrich.NewClient(creds.FullEnrichKey), creds.FullEnrichKey != ""))
	r.Register(NewApollo(apollo.NewClient(creds.ApolloKey), creds.ApolloKey != ""))
	r.Register(NewHunter(hunter.NewClient(creds.HunterKey), creds.HunterKey != ""))
	r.Register(NewSnov(snov.NewClient(creds.SnovClientID, creds.SnovClientSecret),
		creds.SnovClientID != "" && creds.SnovClientSecret != ""))
	r.Register(NewWebsiteScan(webscan.New(), creds.WebsiteScan))
	r.Register(NewOpenCorporates(opencorporates.NewClient(creds.OpenCorporatesToken)))
	return r
}
