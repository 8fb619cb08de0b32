package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/provider"
)

func testRequest() model.JobRequest {
	return model.JobRequest{Sources: []string{"reviews.csv"}}
}

func newTestRunner(t *testing.T, exec ExecFunc, cfg RunnerConfig, opts ...RunnerOption) (*Runner, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	r := NewRunner(st, exec, cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx) //nolint:errcheck
	})
	return r, st
}

func waitJob(t *testing.T, r *Runner, id string) *model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := r.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func TestRunner_RunsJobToDone(t *testing.T) {
	exec := func(_ context.Context, job model.Job, req model.JobRequest, hooks Hooks) (Outcome, error) {
		hooks.Logf("processing %d source(s)", len(req.Sources))
		hooks.Progress(1, 2)
		hooks.Progress(2, 2)
		return Outcome{OutputRef: "out/" + job.ID + ".enriched.csv", Metadata: map[string]any{"rows_total": 2}}, nil
	}
	r, st := newTestRunner(t, exec, RunnerConfig{})

	job, created, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	got := waitJob(t, r, job.ID)
	assert.Equal(t, model.JobStatusDone, got.Status)
	assert.Equal(t, "out/"+job.ID+".enriched.csv", got.OutputRef)
	assert.Equal(t, 2, got.ProgressCur)
	assert.Equal(t, 2, got.ProgressTotal)
	assert.EqualValues(t, 2, got.Metadata["rows_total"])
	assert.EqualValues(t, 0, got.Metadata["log_lines_dropped"])

	lines, err := st.Logs(context.Background(), job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "started")
	assert.Equal(t, "processing 1 source(s)", lines[1])
	assert.Contains(t, lines[2], "job finished")
}

func TestRunner_SecondStartAttaches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	exec := func(ctx context.Context, _ model.Job, _ model.JobRequest, _ Hooks) (Outcome, error) {
		calls.Add(1)
		<-release
		return Outcome{OutputRef: "out.csv"}, nil
	}
	r, _ := newTestRunner(t, exec, RunnerConfig{})

	first, created, err := r.Start(context.Background(), model.JobRequest{Sources: []string{"b.csv", "a.csv"}, Concurrency: 2})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := r.Start(context.Background(), model.JobRequest{Sources: []string{"a.csv", " b.csv"}, Concurrency: 8})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	close(release)
	waitJob(t, r, first.ID)
	assert.Equal(t, int32(1), calls.Load())
}

// flakyQueueStore fails transitions into queued while failures is positive.
type flakyQueueStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (s *flakyQueueStore) Transition(ctx context.Context, id string, to model.JobStatus, u Update) error {
	if to == model.JobStatusQueued && s.failures.Add(-1) >= 0 {
		return errors.New("sqlite: database is locked")
	}
	return s.MemoryStore.Transition(ctx, id, to, u)
}

func TestRunner_RetryLaunchesJobLeftInCreated(t *testing.T) {
	st := &flakyQueueStore{MemoryStore: NewMemoryStore()}
	st.failures.Store(1)
	var calls atomic.Int32
	exec := func(context.Context, model.Job, model.JobRequest, Hooks) (Outcome, error) {
		calls.Add(1)
		return Outcome{OutputRef: "out.csv"}, nil
	}
	r := NewRunner(st, exec, RunnerConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx) //nolint:errcheck
	})

	_, _, err := r.Start(context.Background(), testRequest())
	require.Error(t, err)
	stuck, err := st.List(context.Background(), Filter{Status: model.JobStatusCreated})
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	job, created, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stuck[0].ID, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	got := waitJob(t, r, job.ID)
	assert.Equal(t, model.JobStatusDone, got.Status)
	assert.Equal(t, int32(1), calls.Load())

	again, created, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.JobStatusDone, again.Status)
	assert.Equal(t, int32(1), calls.Load())
}

// racedQueueStore hands out a stale created job that a concurrent caller
// has already queued.
type racedQueueStore struct {
	*MemoryStore
}

func (s *racedQueueStore) GetOrCreate(ctx context.Context, key string, payload []byte) (*model.Job, bool, error) {
	job, _, err := s.MemoryStore.GetOrCreate(ctx, key, payload)
	if err != nil {
		return nil, false, err
	}
	if err := s.MemoryStore.Transition(ctx, job.ID, model.JobStatusQueued, Update{}); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

func TestRunner_LosingQueueRaceAttaches(t *testing.T) {
	st := &racedQueueStore{MemoryStore: NewMemoryStore()}
	r := NewRunner(st, nil, RunnerConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx) //nolint:errcheck
	})

	job, created, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 0, r.Active(), "the caller that queued the job owns its task")
}

func TestRunner_RejectsInvalidRequest(t *testing.T) {
	r, _ := newTestRunner(t, nil, RunnerConfig{})

	_, _, err := r.Start(context.Background(), model.JobRequest{Sources: []string{"  "}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = r.Start(context.Background(), model.JobRequest{Sources: []string{"a.csv"}, Format: "pdf"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRunner_PreflightBlocksCreation(t *testing.T) {
	reg := provider.Build(provider.Credentials{})
	r, st := newTestRunner(t, nil, RunnerConfig{},
		WithPreflight(ProviderPreflight(reg, []string{provider.GooglePlaces, provider.OpenCorporates})))

	_, _, err := r.Start(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrPreflight)
	assert.Contains(t, err.Error(), provider.GooglePlaces)
	assert.NotContains(t, err.Error(), provider.OpenCorporates)

	jobs, err := st.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunner_FailureRecordsStackAndMessage(t *testing.T) {
	exec := func(context.Context, model.Job, model.JobRequest, Hooks) (Outcome, error) {
		return Outcome{}, eris.Wrap(errors.New("disk full"), "batch: write artifact")
	}
	r, st := newTestRunner(t, exec, RunnerConfig{})

	job, _, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)

	got := waitJob(t, r, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "disk full")
	assert.NotNil(t, got.FinishedAt)

	lines, err := st.Logs(context.Background(), job.ID, 0, 0)
	require.NoError(t, err)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "batch: write artifact")
	assert.Contains(t, lines[len(lines)-1], "job failed")
}

func TestRunner_DeadlineFailsJob(t *testing.T) {
	exec := func(ctx context.Context, _ model.Job, _ model.JobRequest, _ Hooks) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}
	r, _ := newTestRunner(t, exec, RunnerConfig{JobTimeout: 20 * time.Millisecond})

	job, _, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)

	got := waitJob(t, r, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, MsgDeadline, got.Error)
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	exec := func(context.Context, model.Job, model.JobRequest, Hooks) (Outcome, error) {
		panic("nil map write")
	}
	r, _ := newTestRunner(t, exec, RunnerConfig{})

	job, _, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)

	got := waitJob(t, r, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "nil map write")
}

func TestRunner_RequestContextDoesNotCancelTask(t *testing.T) {
	exec := func(ctx context.Context, _ model.Job, _ model.JobRequest, _ Hooks) (Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		return Outcome{OutputRef: "out.csv"}, ctx.Err()
	}
	r, _ := newTestRunner(t, exec, RunnerConfig{})

	reqCtx, cancel := context.WithCancel(context.Background())
	job, _, err := r.Start(reqCtx, testRequest())
	require.NoError(t, err)
	cancel()

	got := waitJob(t, r, job.ID)
	assert.Equal(t, model.JobStatusDone, got.Status)
}

func TestRunner_ShutdownCancelsTasks(t *testing.T) {
	started := make(chan struct{})
	exec := func(ctx context.Context, _ model.Job, _ model.JobRequest, _ Hooks) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}
	st := NewMemoryStore()
	r := NewRunner(st, exec, RunnerConfig{})

	job, _, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)
	<-started
	assert.Equal(t, 1, r.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, 0, r.Active())

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, MsgCanceled, got.Error)

	_, _, err = r.Start(context.Background(), model.JobRequest{Sources: []string{"other.csv"}})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRunner_CancelOneJob(t *testing.T) {
	started := make(chan struct{})
	exec := func(ctx context.Context, _ model.Job, _ model.JobRequest, _ Hooks) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}
	r, _ := newTestRunner(t, exec, RunnerConfig{})

	job, _, err := r.Start(context.Background(), testRequest())
	require.NoError(t, err)
	<-started

	assert.True(t, r.Cancel(job.ID))
	got := waitJob(t, r, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, MsgCanceled, got.Error)
	assert.False(t, r.Cancel(job.ID))
}

func TestRunner_RecoverOrphans(t *testing.T) {
	r, st := newTestRunner(t, nil, RunnerConfig{})
	ctx := context.Background()

	queued := createJob(t, st, "orphan-queued")
	advance(t, st, queued.ID, model.JobStatusQueued)
	running := createJob(t, st, "orphan-running")
	advance(t, st, running.ID, model.JobStatusQueued, model.JobStatusRunning)
	done := createJob(t, st, "finished")
	advance(t, st, done.ID, model.JobStatusQueued, model.JobStatusRunning, model.JobStatusDone)

	n, err := r.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, running.ID} {
		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, MsgInterrupted, got.Error)
	}
	got, err := st.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, got.Status)
}
