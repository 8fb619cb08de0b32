// Package batch runs one enrichment job end to end: it loads the input
// sheets, classifies and groups rows into entities, fans the entities out
// through the scheduler and writes the enriched artifact.
package batch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/cache"
	"github.com/sells-group/review-enrich/internal/enrich"
	"github.com/sells-group/review-enrich/internal/fetcher"
	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
)

// Config controls batch execution.
type Config struct {
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
}

// Runner executes batches. It is safe for concurrent jobs.
type Runner struct {
	cfg     Config
	fetch   fetcher.Fetcher
	sched   *enrich.Scheduler
	enrich  enrich.EnrichFunc
	durable *cache.Durable[model.Record]
}

// NewRunner creates a batch runner. durable may be nil.
func NewRunner(cfg Config, f fetcher.Fetcher, sched *enrich.Scheduler, fn enrich.EnrichFunc, durable *cache.Durable[model.Record]) *Runner {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	return &Runner{cfg: cfg, fetch: f, sched: sched, enrich: fn, durable: durable}
}

// OutputPath returns where the artifact of job is written.
func (r *Runner) OutputPath(jobID, format string) string {
	if format == "" {
		format = model.FormatCSV
	}
	return filepath.Join(r.cfg.OutputDir, jobID+".enriched."+format)
}

// Load reads every source of req into sheets. MaxRows caps the rows read
// across all sources, filled in req.Sources order; the runner always hands
// Load a normalized request, so that is sorted path order.
func (r *Runner) Load(ctx context.Context, req model.JobRequest, hooks jobs.Hooks) ([]Sheet, error) {
	var sheets []Sheet
	total := 0
	for _, src := range req.Sources {
		limit := 0
		if req.MaxRows > 0 {
			limit = req.MaxRows - total
			if limit <= 0 {
				break
			}
		}
		t, err := fetcher.LoadTable(ctx, r.fetch, src, limit)
		if err != nil {
			return nil, eris.Wrapf(err, "batch: load source %s", src)
		}
		sh := ToRows(filepath.Base(src), t, total)
		total += len(sh.Rows)
		sheets = append(sheets, sh)
		hooks.Logf("loaded %d rows from %s", len(sh.Rows), src)
	}
	return sheets, nil
}

// Exec runs the batch for job. It matches jobs.ExecFunc.
func (r *Runner) Exec(ctx context.Context, job model.Job, req model.JobRequest, hooks jobs.Hooks) (jobs.Outcome, error) {
	start := time.Now()
	log := zap.L().With(zap.String("job_id", job.ID))

	sheets, err := r.Load(ctx, req, hooks)
	if err != nil {
		return jobs.Outcome{}, err
	}

	var rows []model.Row
	business := 0
	for _, sh := range sheets {
		for _, row := range sh.Rows {
			if row.Class == model.NameBusiness {
				business++
			}
			rows = append(rows, row)
		}
	}
	entities := model.GroupEntities(rows)
	hooks.Logf("classified %d rows: %d business, %d unique entities", len(rows), business, len(entities))

	if r.durable != nil {
		n := r.durable.Load()
		hooks.Logf("durable cache: %d entries", n)
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = r.cfg.Concurrency
	}

	hooks.Progress(0, len(entities))
	records := r.sched.EnrichAll(ctx, entities, r.enrich, concurrency, func(done, total int) {
		hooks.Progress(done, total)
		hooks.Logf("enriched %d/%d entities", done, total)
	})

	if r.durable != nil {
		if err := r.durable.Save(); err != nil {
			log.Warn("batch: save durable cache", zap.Error(err))
			hooks.Logf("durable cache save failed: %v", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return jobs.Outcome{}, eris.Wrap(err, "batch: enrichment interrupted")
	}

	failed := 0
	counts := make(map[model.Overall]int)
	for _, rec := range records {
		if rec.Failed() {
			failed++
			hooks.Logf("entity %q failed: %s", rec.Name, rec.Error)
		}
		counts[rec.Overall]++
	}
	hooks.Logf("confidence: high=%d medium=%d low=%d failed=%d",
		counts[model.OverallHigh], counts[model.OverallMedium], counts[model.OverallLow], counts[model.OverallFailed])

	out := r.OutputPath(job.ID, req.Format)
	if err := NewArtifact(sheets, records).Write(out, req.Format); err != nil {
		return jobs.Outcome{}, err
	}
	hooks.Logf("wrote %s", out)

	log.Info("batch: complete",
		zap.Int("rows", len(rows)),
		zap.Int("entities", len(entities)),
		zap.Int("entities_failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)

	return jobs.Outcome{
		OutputRef: out,
		Metadata: map[string]any{
			"rows_total":      len(rows),
			"rows_business":   business,
			"entities_total":  len(entities),
			"entities_failed": failed,
		},
	}, nil
}
