// Package enrich turns entities into enrichment records: Worker runs the
// field waterfalls for one entity and Scheduler fans a batch out across a
// bounded pool.
package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/waterfall"
)

// Resolver is the subset of the waterfall engine the worker needs.
type Resolver interface {
	ResolveDomain(ctx context.Context, ent model.Entity) waterfall.Resolution
	ResolveLocal(ctx context.Context, ent model.Entity) waterfall.Resolution
	ResolveEmail(ctx context.Context, ent model.Entity, domain model.FieldResult) waterfall.Resolution
	ResolveLegal(ctx context.Context, ent model.Entity) waterfall.Resolution
}

// Worker enriches a single entity.
type Worker struct {
	resolver Resolver
	now      func() time.Time
}

// NewWorker creates a worker backed by resolver.
func NewWorker(resolver Resolver) *Worker {
	return &Worker{resolver: resolver, now: time.Now}
}

// Enrich runs the domain waterfall followed by email, alongside the local
// and legal waterfalls, and merges the results into one record.
func (w *Worker) Enrich(ctx context.Context, ent model.Entity) (model.Record, error) {
	var domain, email, local, legal waterfall.Resolution

	var g errgroup.Group
	g.Go(func() error {
		domain = w.resolver.ResolveDomain(ctx, ent)
		email = w.resolver.ResolveEmail(ctx, ent, domain.Result)
		return nil
	})
	g.Go(func() error {
		local = w.resolver.ResolveLocal(ctx, ent)
		return nil
	})
	g.Go(func() error {
		legal = w.resolver.ResolveLegal(ctx, ent)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return model.Record{}, eris.Wrapf(err, "enrich: entity %q", ent.Key)
	}

	rec := model.Record{
		Key:        ent.Key,
		Name:       ent.Name,
		Domain:     domain.Result,
		Phone:      local.Result,
		Email:      email.Result,
		EnrichedAt: w.now().UTC(),
	}
	if local.Place != nil {
		rec.Place = *local.Place
	}
	if legal.Legal != nil {
		rec.Legal = *legal.Legal
	} else {
		rec.Legal = model.LegalMatch{Outcome: legal.Result.Outcome, Err: legal.Result.Err}
	}

	rec.Trace = make([]model.Attempt, 0, len(domain.Trace)+len(email.Trace)+len(local.Trace)+len(legal.Trace))
	rec.Trace = append(rec.Trace, domain.Trace...)
	rec.Trace = append(rec.Trace, email.Trace...)
	rec.Trace = append(rec.Trace, local.Trace...)
	rec.Trace = append(rec.Trace, legal.Trace...)

	rec.Overall, rec.Note = model.ComputeOverall(rec.Domain.Confidence, rec.Phone.Confidence, rec.Email.Confidence)

	zap.L().Debug("enrich: entity resolved",
		zap.String("entity", ent.Key),
		zap.String("domain", rec.Domain.Value),
		zap.String("overall", string(rec.Overall)),
	)
	return rec, nil
}
