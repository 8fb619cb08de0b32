package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/provider"
)

var (
	// ErrInvalidRequest marks a job request that can never run.
	ErrInvalidRequest = errors.New("jobs: invalid request")
	// ErrPreflight marks a configuration problem detected before a job is
	// created, such as a required provider without credentials.
	ErrPreflight = errors.New("jobs: preflight failed")
	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("jobs: runner is shutting down")
)

// Failure messages stored on jobs the runner did not finish normally.
const (
	MsgDeadline    = "job exceeded deadline"
	MsgCanceled    = "job canceled"
	MsgInterrupted = "interrupted by restart"
)

// Outcome is what a successful execution hands back to the runner.
type Outcome struct {
	OutputRef string
	Metadata  map[string]any
}

// ExecFunc performs the work of one job.
type ExecFunc func(ctx context.Context, job model.Job, req model.JobRequest, hooks Hooks) (Outcome, error)

// PreflightFunc rejects a request before any job is created.
type PreflightFunc func(ctx context.Context, req model.JobRequest) error

// RunnerConfig controls job execution.
type RunnerConfig struct {
	JobTimeout        time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
	LogEnqueueTimeout time.Duration `yaml:"log_enqueue_timeout" mapstructure:"log_enqueue_timeout"`
	FailOrphans       bool          `yaml:"fail_orphans" mapstructure:"fail_orphans"`
	RequiredProviders []string      `yaml:"required_providers" mapstructure:"required_providers"`
}

// DefaultJobTimeout bounds a job when RunnerConfig.JobTimeout is unset.
const DefaultJobTimeout = 2 * time.Hour

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner starts jobs as background tasks and drives them through the
// store's state machine.
type Runner struct {
	store     Store
	exec      ExecFunc
	preflight PreflightFunc
	cfg       RunnerConfig

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	closing bool
	wg      sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPreflight installs a check that runs before a job is created.
func WithPreflight(fn PreflightFunc) RunnerOption {
	return func(r *Runner) { r.preflight = fn }
}

// NewRunner creates a Runner. Tasks run on a context owned by the runner,
// so they outlive the request that started them.
func NewRunner(store Store, exec ExecFunc, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:      store,
		exec:       exec,
		cfg:        cfg,
		base:       base,
		cancelBase: cancel,
		tasks:      make(map[string]*task),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ProviderPreflight fails when any required provider is unregistered or
// lacks credentials.
func ProviderPreflight(reg *provider.Registry, required []string) PreflightFunc {
	return func(context.Context, model.JobRequest) error {
		if missing := reg.Missing(required); len(missing) > 0 {
			return eris.Errorf("required providers not configured: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}

// Store returns the backing job store.
func (r *Runner) Store() Store { return r.store }

// Start creates the job for req, or attaches to the existing job with the
// same idempotency key. created reports whether this call inserted the job.
// An existing job that was never queued is launched by the caller that
// queues it.
func (r *Runner) Start(ctx context.Context, req model.JobRequest) (*model.Job, bool, error) {
	req = req.Normalize()
	if err := Validate(req); err != nil {
		return nil, false, err
	}
	if r.isClosing() {
		return nil, false, ErrShuttingDown
	}
	if r.preflight != nil {
		if err := r.preflight(ctx, req); err != nil {
			return nil, false, eris.Wrapf(ErrPreflight, "%v", err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, false, eris.Wrap(err, "jobs: marshal request")
	}
	job, created, err := r.store.GetOrCreate(ctx, req.IdempotencyKey(), payload)
	if err != nil {
		return nil, false, err
	}
	if !created && job.Status != model.JobStatusCreated {
		return r.attach(job), false, nil
	}

	// A job still in created has never been queued: either another Start is
	// between create and queue, or its queue write failed. Whichever caller
	// wins the guarded transition launches it.
	err = r.store.Transition(ctx, job.ID, model.JobStatusQueued, Update{})
	if errors.Is(err, ErrInvalidTransition) {
		cur, gerr := r.store.Get(ctx, job.ID)
		if gerr != nil {
			return nil, false, gerr
		}
		return r.attach(cur), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	job.Status = model.JobStatusQueued

	if err := r.launch(*job, req); err != nil {
		r.finalize(job.ID, model.JobStatusFailed, Update{Error: err.Error()})
		return nil, false, err
	}
	if created {
		zap.L().Info("job queued", zap.String("job_id", job.ID), zap.Strings("sources", req.Sources))
	} else {
		zap.L().Warn("queued job left in created", zap.String("job_id", job.ID))
	}
	return job, created, nil
}

func (r *Runner) attach(job *model.Job) *model.Job {
	zap.L().Info("attached to existing job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	return job
}

// Validate rejects requests that cannot produce output.
func Validate(req model.JobRequest) error {
	req = req.Normalize()
	if len(req.Sources) == 0 {
		return eris.Wrap(ErrInvalidRequest, "at least one source is required")
	}
	if req.Format != model.FormatCSV && req.Format != model.FormatXLSX {
		return eris.Wrapf(ErrInvalidRequest, "unsupported format %q", req.Format)
	}
	if req.Concurrency < 0 {
		return eris.Wrap(ErrInvalidRequest, "concurrency must not be negative")
	}
	return nil
}

func (r *Runner) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Runner) launch(job model.Job, req model.JobRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(r.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.tasks[job.ID] = t
	r.wg.Add(1)
	go r.run(ctx, t, job, req)
	return nil
}

func (r *Runner) run(ctx context.Context, t *task, job model.Job, req model.JobRequest) {
	defer r.wg.Done()
	defer close(t.done)
	defer func() {
		r.mu.Lock()
		delete(r.tasks, job.ID)
		r.mu.Unlock()
		t.cancel()
	}()

	log := zap.L().With(zap.String("job_id", job.ID))
	if err := r.store.Transition(ctx, job.ID, model.JobStatusRunning, Update{}); err != nil {
		log.Error("job could not start", zap.Error(err))
		r.finalize(job.ID, model.JobStatusFailed, Update{Error: err.Error()})
		return
	}
	job.Status = model.JobStatusRunning

	// The journal outlives cancellation so the failure reason is recorded.
	jctx := context.WithoutCancel(ctx)
	j := newJournal(r.store, job.ID, r.cfg.LogEnqueueTimeout)
	go j.run(jctx)

	start := time.Now()
	j.Logf("job %s started: %d source(s), format %s", job.ID, len(req.Sources), req.Format)
	log.Info("job started")

	dctx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	out, err := r.execute(dctx, job, req, j)
	deadline := errors.Is(dctx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		j.Logf("job finished in %s", time.Since(start).Round(time.Millisecond))
		j.Close()
		meta := maps.Clone(out.Metadata)
		if meta == nil {
			meta = make(map[string]any)
		}
		meta["log_lines_dropped"] = j.Dropped()
		r.finalize(job.ID, model.JobStatusDone, Update{OutputRef: out.OutputRef, Metadata: meta})
		log.Info("job done", zap.String("output_ref", out.OutputRef), zap.Duration("elapsed", time.Since(start)))
		return
	}

	msg := err.Error()
	switch {
	case deadline:
		msg = MsgDeadline
	case ctx.Err() != nil:
		msg = MsgCanceled
	}
	for _, line := range strings.Split(strings.TrimRight(eris.ToString(err, true), "\n"), "\n") {
		j.Log(line)
	}
	j.Logf("job failed: %s", msg)
	j.Close()
	r.finalize(job.ID, model.JobStatusFailed, Update{
		Error:    msg,
		Metadata: map[string]any{"log_lines_dropped": j.Dropped()},
	})
	log.Error("job failed", zap.String("reason", msg), zap.Error(err))
}

func (r *Runner) execute(ctx context.Context, job model.Job, req model.JobRequest, hooks Hooks) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("jobs: task panic: %v", p)
		}
	}()
	return r.exec(ctx, job, req, hooks)
}

// finalize writes a terminal transition on a context detached from the
// task so shutdown cannot prevent it.
func (r *Runner) finalize(id string, to model.JobStatus, u Update) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.Transition(ctx, id, to, u); err != nil {
		zap.L().Error("job transition failed",
			zap.String("job_id", id),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

// Wait blocks until the job's task in this process finishes, then returns
// the stored job.
func (r *Runner) Wait(ctx context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if ok {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "jobs: wait")
		}
	}
	return r.store.Get(ctx, id)
}

// Cancel stops a running task. It reports whether one was found.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Active returns the number of tasks running in this process.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown stops accepting jobs, cancels running tasks and waits for them
// to record their final state.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.cancelBase()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "jobs: shutdown")
	}
}

// RecoverOrphans fails every non-terminal job that has no task in this
// process. Call it at startup, before serving.
func (r *Runner) RecoverOrphans(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []model.JobStatus{model.JobStatusCreated, model.JobStatusQueued, model.JobStatusRunning} {
		for {
			jobs, err := r.store.List(ctx, Filter{Status: st, Limit: DefaultListLimit})
			if err != nil {
				return n, err
			}
			progressed := false
			for _, j := range jobs {
				r.mu.Lock()
				_, live := r.tasks[j.ID]
				r.mu.Unlock()
				if live {
					continue
				}
				err := r.store.Transition(ctx, j.ID, model.JobStatusFailed, Update{Error: MsgInterrupted})
				if errors.Is(err, ErrInvalidTransition) {
					continue
				}
				if err != nil {
					return n, err
				}
				if err := r.store.AppendLog(ctx, j.ID, fmt.Sprintf("job failed: %s", MsgInterrupted)); err != nil {
					zap.L().Warn("orphan log failed", zap.String("job_id", j.ID), zap.Error(err))
				}
				zap.L().Warn("failed orphaned job", zap.String("job_id", j.ID), zap.String("status", string(st)))
				n++
				progressed = true
			}
			if !progressed || len(jobs) < DefaultListLimit {
				break
			}
		}
	}
	return n, nil
}
