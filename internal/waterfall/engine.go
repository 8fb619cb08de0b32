// Package waterfall resolves entity fields by consulting ordered chains of
// providers and stopping at the first acceptable answer.
package waterfall

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/provider"
	"github.com/sells-group/review-enrich/internal/resilience"
)

// SourceInput tags a domain taken from the entity's own website field.
const SourceInput = "input_website"

// Resolution is the outcome of one waterfall: the field result plus the
// trace of every provider consulted.
type Resolution struct {
	Result model.FieldResult `json:"result"`
	// Place is set by the local waterfall when a listing won.
	Place *model.Place `json:"place,omitempty"`
	// Legal is set by the legal waterfall when a registry entry matched.
	Legal *model.LegalMatch `json:"legal,omitempty"`
	Trace []model.Attempt   `json:"trace"`
}

// Engine runs the domain, local, email and legal waterfalls.
type Engine struct {
	cfg      *Config
	registry *provider.Registry
	client   *resilience.Client
}

// NewEngine creates a waterfall engine. A nil cfg uses DefaultConfig.
func NewEngine(cfg *Config, registry *provider.Registry, client *resilience.Client) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if client == nil {
		client = resilience.NewClient(nil)
	}
	return &Engine{cfg: cfg, registry: registry, client: client}
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config { return e.cfg }

// Resolve dispatches to the waterfall for field. domain is only consulted
// by the email waterfall.
func (e *Engine) Resolve(ctx context.Context, field string, ent model.Entity, domain model.FieldResult) (Resolution, error) {
	switch field {
	case model.FieldDomain:
		return e.ResolveDomain(ctx, ent), nil
	case model.FieldLocal, model.FieldPhone:
		return e.ResolveLocal(ctx, ent), nil
	case model.FieldEmail:
		return e.ResolveEmail(ctx, ent, domain), nil
	case model.FieldLegal:
		return e.ResolveLegal(ctx, ent), nil
	}
	return Resolution{}, eris.Errorf("waterfall: unknown field %q", field)
}

// call runs fn through the resilient client and records the attempt. The
// returned ok is false when the provider is unconfigured or every attempt
// failed; the attempt already carries the outcome in that case.
func call[T any](ctx context.Context, e *Engine, field string, p provider.Provider, fn func(ctx context.Context) (T, error)) (T, model.Attempt, bool) {
	at := model.Attempt{Field: field, Provider: p.Name()}
	var zero T
	if !p.Configured() {
		at.Outcome = model.OutcomeNotConfigured
		return zero, at, false
	}

	res := resilience.Call(ctx, e.client, p.Name(), field, fn)
	at.Calls = res.Attempts
	at.Duration = res.Elapsed
	if !res.OK {
		at.Outcome = model.OutcomeError
		at.Err = model.TruncateError(res.Err.Error())
		zap.L().Debug("waterfall: provider failed",
			zap.String("field", field),
			zap.String("provider", p.Name()),
			zap.Error(res.Err),
		)
		return zero, at, false
	}
	at.Outcome = model.OutcomeNoMatch
	return res.Value, at, true
}

// exhausted builds the empty result for a waterfall that found nothing.
// The outcome is not_configured when no provider could be asked, error
// when every asked provider failed, and no_match otherwise.
func exhausted(field string, trace []model.Attempt) model.FieldResult {
	if len(trace) == 0 {
		return model.NotFound(field, model.OutcomeNotConfigured)
	}
	configured, failed := 0, 0
	var lastErr string
	for _, a := range trace {
		switch a.Outcome {
		case model.OutcomeNotConfigured:
		case model.OutcomeError:
			configured++
			failed++
			lastErr = a.Err
		default:
			configured++
		}
	}
	switch {
	case configured == 0:
		return model.NotFound(field, model.OutcomeNotConfigured)
	case failed == configured:
		r := model.NotFound(field, model.OutcomeError)
		r.Err = lastErr
		return r
	}
	return model.NotFound(field, model.OutcomeNoMatch)
}

// ResolveDomain tries the input website, then each company-search tier.
func (e *Engine) ResolveDomain(ctx context.Context, ent model.Entity) Resolution {
	var trace []model.Attempt

	if ent.Website != "" {
		start := time.Now()
		at := model.Attempt{Field: model.FieldDomain, Provider: SourceInput, Outcome: model.OutcomeNoMatch}
		if d, ok := ExtractDomain(ent.Website); ok {
			conf := model.ConfidenceMedium
			if TokenOverlap(d, ent.Name) >= e.cfg.Domain.InputHighOverlap {
				conf = model.ConfidenceHigh
			}
			at.Outcome, at.Value, at.Confidence = model.OutcomeFound, d, conf
			at.Duration = time.Since(start)
			trace = append(trace, at)
			return Resolution{Result: found(model.FieldDomain, d, conf, SourceInput), Trace: trace}
		}
		trace = append(trace, at)
	}

	for _, tier := range e.cfg.Domain.Sources {
		p, ok := e.registry.Get(tier.Name).(provider.CompanySearcher)
		if !ok {
			continue
		}
		companies, at, ok := call(ctx, e, model.FieldDomain, p, func(ctx context.Context) ([]provider.Company, error) {
			return p.SearchCompanies(ctx, ent)
		})
		if ok {
			if d, conf, hit := e.pickCompany(tier, ent, companies); hit {
				at.Outcome, at.Value, at.Confidence = model.OutcomeFound, d, conf
				trace = append(trace, at)
				return Resolution{Result: found(model.FieldDomain, d, conf, p.Name()), Trace: trace}
			}
		}
		trace = append(trace, at)
	}

	return Resolution{Result: exhausted(model.FieldDomain, trace), Trace: trace}
}

func (e *Engine) pickCompany(tier TierConfig, ent model.Entity, companies []provider.Company) (string, model.Confidence, bool) {
	if tier.FirstCandidateOnly && len(companies) > 1 {
		companies = companies[:1]
	}
	for _, c := range companies {
		overlap := TokenOverlap(c.Name, ent.Name)
		if overlap < tier.MinOverlap || c.Website == "" {
			continue
		}
		d, ok := ExtractDomain(c.Website)
		if !ok {
			continue
		}
		if tier.RejectGeneric && IsGeneric(d, e.cfg.Domain.Blocklist) {
			continue
		}
		conf := model.ConfidenceMedium
		if overlap >= tier.HighOverlap {
			conf = model.ConfidenceHigh
		}
		if tier.HighOnly && conf != model.ConfidenceHigh {
			continue
		}
		return d, conf, true
	}
	return "", model.ConfidenceNone, false
}

// ResolveLocal asks each local search provider in order. The first listing
// carrying any of phone, address or website wins entirely; the result is
// the listing's phone, rated Local.PhoneConfidence.
func (e *Engine) ResolveLocal(ctx context.Context, ent model.Entity) Resolution {
	var trace []model.Attempt
	for _, p := range e.registry.LocalSearchers(e.cfg.Local.Sources) {
		place, at, ok := call(ctx, e, model.FieldPhone, p, func(ctx context.Context) (*model.Place, error) {
			return p.SearchLocal(ctx, ent)
		})
		if !ok || place == nil || place.Empty() {
			trace = append(trace, at)
			continue
		}

		region := e.cfg.Local.DefaultRegion
		if place.Country != "" && len(place.Country) == 2 {
			region = place.Country
		}
		if phone, ok := NormalizePhone(place.Phone, region); ok {
			place.Phone = phone
		}

		res := model.NotFound(model.FieldPhone, model.OutcomeNoMatch)
		res.Source = p.Name()
		if place.Phone != "" {
			res = found(model.FieldPhone, place.Phone, e.cfg.Local.PhoneConfidence, p.Name())
		}
		at.Outcome, at.Value, at.Confidence = model.OutcomeFound, place.Phone, res.Confidence
		trace = append(trace, at)
		return Resolution{Result: res, Place: place, Trace: trace}
	}
	return Resolution{Result: exhausted(model.FieldPhone, trace), Trace: trace}
}

// ResolveEmail asks each email provider for the resolved domain and stops
// at the first one returning any candidate.
func (e *Engine) ResolveEmail(ctx context.Context, ent model.Entity, domain model.FieldResult) Resolution {
	if !domain.Found() {
		r := model.NotFound(model.FieldEmail, model.OutcomeNoMatch)
		r.Err = "no domain to search"
		return Resolution{Result: r}
	}

	var trace []model.Attempt
	for _, p := range e.registry.EmailFinders(e.cfg.Email.Sources) {
		cands, at, ok := call(ctx, e, model.FieldEmail, p, func(ctx context.Context) ([]string, error) {
			return p.FindEmails(ctx, domain.Value)
		})
		if !ok {
			trace = append(trace, at)
			continue
		}
		best, hit := PickEmail(cands)
		if !hit {
			trace = append(trace, at)
			continue
		}

		conf := e.emailConfidence(p.Name(), best)
		at.Outcome, at.Value, at.Confidence = model.OutcomeFound, best, conf
		trace = append(trace, at)
		return Resolution{Result: found(model.FieldEmail, best, conf, p.Name()), Trace: trace}
	}
	return Resolution{Result: exhausted(model.FieldEmail, trace), Trace: trace}
}

// emailConfidence rates an address by the source that found it and by
// whether its mailbox is generic.
func (e *Engine) emailConfidence(source, addr string) model.Confidence {
	c := e.cfg.Email
	if len(c.Sources) == 0 || source != c.Sources[0] {
		return c.Fallback
	}
	if IsGenericMailbox(addr, c.GenericMailboxes) {
		return c.PrimaryGeneric
	}
	return c.PrimaryPerson
}

// ResolveLegal matches the entity name against registry candidates.
func (e *Engine) ResolveLegal(ctx context.Context, ent model.Entity) Resolution {
	var trace []model.Attempt
	for _, p := range e.registry.LegalRegistries(e.cfg.Legal.Sources) {
		cands, at, ok := call(ctx, e, model.FieldLegal, p, func(ctx context.Context) ([]provider.LegalEntity, error) {
			return p.SearchRegistry(ctx, ent)
		})
		if !ok {
			trace = append(trace, at)
			continue
		}

		var best *provider.LegalEntity
		bestSim := 0.0
		for i := range cands {
			if sim := Similarity(ent.Name, cands[i].Name); sim > bestSim {
				best, bestSim = &cands[i], sim
			}
		}
		if best == nil || bestSim < e.cfg.Legal.MinSimilarity {
			trace = append(trace, at)
			continue
		}

		conf := model.ConfidenceLow
		switch {
		case bestSim >= e.cfg.Legal.HighSimilarity:
			conf = model.ConfidenceHigh
		case bestSim >= e.cfg.Legal.MediumSimilarity:
			conf = model.ConfidenceMedium
		}
		match := &model.LegalMatch{
			Name:         best.Name,
			Jurisdiction: best.Jurisdiction,
			Number:       best.Number,
			Incorporated: best.Incorporated,
			Address:      best.Address,
			Similarity:   bestSim,
			Confidence:   conf,
			Source:       p.Name(),
			Outcome:      model.OutcomeFound,
		}
		at.Outcome, at.Value, at.Confidence = model.OutcomeFound, best.Name, conf
		trace = append(trace, at)
		return Resolution{Result: found(model.FieldLegal, best.Name, conf, p.Name()), Legal: match, Trace: trace}
	}
	return Resolution{Result: exhausted(model.FieldLegal, trace), Trace: trace}
}

func found(field, value string, conf model.Confidence, source string) model.FieldResult {
	return model.FieldResult{
		Field:      field,
		Outcome:    model.OutcomeFound,
		Value:      value,
		Confidence: conf,
		Source:     source,
	}
}
