package resilience

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// LimitConfig bounds outbound calls to one provider.
type LimitConfig struct {
	// Concurrency is the maximum number of in-flight calls. Default: 6.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// RPS paces call starts; <= 0 disables pacing.
	RPS float64 `yaml:"rps" mapstructure:"rps"`
}

type gate struct {
	sem      *semaphore.Weighted
	pace     *rate.Limiter
	capacity int
	inflight atomic.Int64
}

// Limiter is a per-provider admission gate. Each provider gets its own
// fixed-capacity semaphore, independent of global concurrency.
type Limiter struct {
	mu        sync.Mutex
	defaults  LimitConfig
	overrides map[string]LimitConfig
	gates     map[string]*gate
}

// NewLimiter builds a limiter with defaults and per-provider overrides.
func NewLimiter(defaults LimitConfig, overrides map[string]LimitConfig) *Limiter {
	if defaults.Concurrency <= 0 {
		defaults.Concurrency = 6
	}
	return &Limiter{
		defaults:  defaults,
		overrides: overrides,
		gates:     make(map[string]*gate),
	}
}

func (l *Limiter) gate(provider string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.gates[provider]; ok {
		return g
	}
	cfg := l.defaults
	if o, ok := l.overrides[provider]; ok {
		if o.Concurrency > 0 {
			cfg.Concurrency = o.Concurrency
		}
		if o.RPS != 0 {
			cfg.RPS = o.RPS
		}
	}
	g := &gate{
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		capacity: cfg.Concurrency,
	}
	if cfg.RPS > 0 {
		g.pace = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	l.gates[provider] = g
	return g
}

// Acquire blocks until a slot for provider is free (or ctx ends). The
// returned release func must be called exactly once; extra calls are no-ops.
func (l *Limiter) Acquire(ctx context.Context, provider string) (func(), error) {
	g := l.gate(provider)
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrapf(err, "limiter: acquire %s", provider)
	}
	if g.pace != nil {
		if err := g.pace.Wait(ctx); err != nil {
			g.sem.Release(1)
			return nil, eris.Wrapf(err, "limiter: pace %s", provider)
		}
	}
	g.inflight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inflight.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of calls currently holding a slot.
func (l *Limiter) InFlight(provider string) int {
	return int(l.gate(provider).inflight.Load())
}

// Capacity returns the configured ceiling for provider.
func (l *Limiter) Capacity(provider string) int {
	return l.gate(provider).capacity
}
