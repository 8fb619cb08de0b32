package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/batch"
	"github.com/sells-group/review-enrich/internal/cache"
	"github.com/sells-group/review-enrich/internal/config"
	"github.com/sells-group/review-enrich/internal/enrich"
	"github.com/sells-group/review-enrich/internal/fetcher"
	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/provider"
	"github.com/sells-group/review-enrich/internal/resilience"
	"github.com/sells-group/review-enrich/internal/waterfall"
)

// appEnv holds the store, providers and runners needed by serve and
// enrich.
type appEnv struct {
	Store    jobs.Store
	Registry *provider.Registry
	Runner   *jobs.Runner
	Batch    *batch.Runner
	Durable  *cache.Durable[model.Record]
}

// Close stops running jobs, persists the durable cache and closes the
// store.
func (e *appEnv) Close(ctx context.Context) {
	if e.Runner != nil {
		if err := e.Runner.Shutdown(ctx); err != nil {
			zap.L().Warn("runner shutdown", zap.Error(err))
		}
	}
	if e.Durable != nil {
		if err := e.Durable.Save(); err != nil {
			zap.L().Warn("save durable cache", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured job store and applies migrations.
func initStore(ctx context.Context, c *config.Config) (jobs.Store, error) {
	st, err := jobs.Open(ctx, c.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open job store")
	}
	return st, nil
}

// initEnv wires providers, waterfalls, caches and the job runner. Callers
// should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	wcfg := waterfall.DefaultConfig()
	if c.WaterfallPath != "" {
		var err error
		if wcfg, err = waterfall.LoadConfig(c.WaterfallPath); err != nil {
			return nil, err
		}
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}

	reg := provider.Build(c.Providers)
	if missing := reg.Missing(wcfg.Providers()); len(missing) > 0 {
		zap.L().Warn("waterfall providers without credentials are skipped", zap.Strings("providers", missing))
	}

	limiter := resilience.NewLimiter(c.Limits.Default, c.Limits.Providers)
	client := resilience.NewClient(limiter, c.ClientOptions()...)
	engine := waterfall.NewEngine(wcfg, reg, client)
	worker := enrich.NewWorker(engine)

	tiers := []cache.Cache[model.Record]{
		cache.NewTTL[model.Record](cache.WithTTL(c.Cache.TTL), cache.WithMaxEntries(c.Cache.MaxEntries, 0)),
	}
	var durable *cache.Durable[model.Record]
	if c.Cache.DurablePath != "" {
		durable = cache.NewDurable[model.Record](c.Cache.DurablePath)
		n := durable.Load()
		zap.L().Info("durable cache loaded", zap.String("path", c.Cache.DurablePath), zap.Int("entries", n))
		tiers = append(tiers, durable)
	}
	sched := enrich.NewScheduler(cache.NewChain(tiers...))

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  c.Fetch.UserAgent,
		Timeout:    c.Fetch.Timeout,
		MaxRetries: c.Fetch.MaxRetries,
	})
	br := batch.NewRunner(c.Batch, f, sched, worker.Enrich, durable)

	runner := jobs.NewRunner(st, br.Exec, c.Runner,
		jobs.WithPreflight(jobs.ProviderPreflight(reg, c.Runner.RequiredProviders)))

	return &appEnv{
		Store:    st,
		Registry: reg,
		Runner:   runner,
		Batch:    br,
		Durable:  durable,
	}, nil
}

// pruneOutputs expires artifacts of jobs finished before cutoff and
// removes their files. It returns the number of refs cleared.
func pruneOutputs(ctx context.Context, st jobs.Store, cutoff time.Time) (int, error) {
	refs, err := st.ExpireOutputs(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "expire outputs")
	}
	for _, ref := range refs {
		if err := os.Remove(filepath.Clean(ref)); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("remove expired artifact", zap.String("path", ref), zap.Error(err))
		}
	}
	return len(refs), nil
}
