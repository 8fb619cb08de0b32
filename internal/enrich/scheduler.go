package enrich

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/review-enrich/internal/cache"
	"github.com/sells-group/review-enrich/internal/model"
)

// DefaultConcurrency bounds in-flight entities per batch.
const DefaultConcurrency = 6

// ProgressEvery is the completion cadence of progress reports.
const ProgressEvery = 10

// EnrichFunc enriches one entity.
type EnrichFunc func(ctx context.Context, ent model.Entity) (model.Record, error)

// ProgressFunc receives the number of completed entities out of total.
type ProgressFunc func(done, total int)

// Scheduler fans entities out over a bounded pool. It is shared by all
// jobs in a process: the cache and the in-flight deduplication span jobs.
type Scheduler struct {
	cache    cache.Cache[model.Record]
	inflight singleflight.Group
}

// NewScheduler creates a scheduler. c may be nil to disable caching.
func NewScheduler(c cache.Cache[model.Record]) *Scheduler {
	return &Scheduler{cache: c}
}

// EnrichAll enriches every distinct entity and returns the records keyed
// by entity key. Failures and panics of one entity become error records
// and never affect the others. concurrency <= 0 uses DefaultConcurrency.
func (s *Scheduler) EnrichAll(ctx context.Context, entities []model.Entity, fn EnrichFunc, concurrency int, onProgress ProgressFunc) map[string]model.Record {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	unique := make([]model.Entity, 0, len(entities))
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.Key == "" || seen[e.Key] {
			continue
		}
		seen[e.Key] = true
		unique = append(unique, e)
	}

	total := len(unique)
	results := make(map[string]model.Record, total)
	var mu sync.Mutex
	var done atomic.Int64
	p := &progress{fn: onProgress, total: total}

	finish := func(key string, rec model.Record) {
		mu.Lock()
		results[key] = rec
		mu.Unlock()
		p.report(int(done.Add(1)))
	}

	var pending []model.Entity
	for _, e := range unique {
		if s.cache != nil {
			if rec, ok := s.cache.Get(ctx, e.Key); ok {
				finish(e.Key, rec)
				continue
			}
		}
		pending = append(pending, e)
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, e := range pending {
		if ctx.Err() != nil {
			finish(e.Key, model.ErrorRecord(e, eris.Wrap(ctx.Err(), "enrich: not started")))
			continue
		}
		g.Go(func() error {
			finish(e.Key, s.enrichOne(ctx, e, fn))
			return nil
		})
	}
	_ = g.Wait()

	if total == 0 {
		p.report(0)
	}
	return results
}

func (s *Scheduler) enrichOne(ctx context.Context, e model.Entity, fn EnrichFunc) model.Record {
	run := func() (any, error) {
		rec, err := safeEnrich(ctx, e, fn)
		if err != nil {
			return nil, err
		}
		if s.cache != nil && !rec.Failed() {
			s.cache.Set(ctx, e.Key, rec)
		}
		return rec, nil
	}
	v, err, shared := s.inflight.Do(e.Key, run)
	// The flight ran under whichever job started it. When that job was
	// canceled but this one is still live, enrich the entity again.
	if err != nil && shared && ctx.Err() == nil && isContextErr(err) {
		zap.L().Debug("enrich: shared flight canceled, retrying locally", zap.String("entity", e.Key))
		v, err = run()
	}
	if err != nil {
		zap.L().Warn("enrich: entity failed",
			zap.String("entity", e.Key),
			zap.Bool("shared", shared),
			zap.Error(err),
		)
		return model.ErrorRecord(e, err)
	}
	rec := v.(model.Record)
	// A shared flight may have been started for a differently named row.
	rec.Name = e.Name
	return rec
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func safeEnrich(ctx context.Context, e model.Entity, fn EnrichFunc) (rec model.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("enrich: panic", zap.String("entity", e.Key), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = eris.Errorf("enrich: panic: %v", r)
		}
	}()
	return fn(ctx, e)
}

// progress serializes reports so they are emitted in order.
type progress struct {
	mu       sync.Mutex
	fn       ProgressFunc
	total    int
	reported int
}

func (p *progress) report(done int) {
	if p.fn == nil {
		return
	}
	if done%ProgressEvery != 0 && done != p.total {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if done < p.reported || (done == p.reported && done != 0) {
		return
	}
	p.reported = done
	p.fn(done, p.total)
}
