package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
)

// seedJob creates a job and walks it to status, attaching meta on the
// terminal transition.
func seedJob(t *testing.T, st jobs.Store, key string, status model.JobStatus, meta map[string]any) {
	t.Helper()
	ctx := context.Background()
	job, _, err := st.GetOrCreate(ctx, key, []byte(`{}`))
	require.NoError(t, err)

	path := []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning}
	if status.Terminal() {
		path = append(path, status)
	}
	for _, to := range path {
		if to == status && !status.Terminal() {
			require.NoError(t, st.Transition(ctx, job.ID, to, jobs.Update{}))
			return
		}
		u := jobs.Update{}
		if to.Terminal() {
			u.Metadata = meta
			if to == model.JobStatusFailed {
				u.Error = "boom"
			}
		}
		require.NoError(t, st.Transition(ctx, job.ID, to, u))
	}
}

func TestCollector_Collect(t *testing.T) {
	st := jobs.NewMemoryStore()
	seedJob(t, st, "a", model.JobStatusDone, map[string]any{"entities_total": 10, "entities_failed": 2, "rows_total": 30})
	seedJob(t, st, "b", model.JobStatusDone, map[string]any{"entities_total": float64(5), "entities_failed": float64(3), "rows_total": float64(5), "log_lines_dropped": 4})
	seedJob(t, st, "c", model.JobStatusFailed, nil)
	seedJob(t, st, "d", model.JobStatusRunning, nil)
	seedJob(t, st, "e", model.JobStatusQueued, nil)

	snap, err := NewCollector(st, 0).Collect(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.JobsTotal)
	assert.Equal(t, 2, snap.JobsDone)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.Equal(t, 1, snap.JobsQueued)
	assert.InDelta(t, 1.0/3.0, snap.JobFailRate, 1e-9)
	assert.Equal(t, 15, snap.EntitiesTotal)
	assert.Equal(t, 5, snap.EntitiesFailed)
	assert.InDelta(t, 1.0/3.0, snap.EntityFailRate, 1e-9)
	assert.Equal(t, 35, snap.RowsTotal)
	assert.Equal(t, 4, snap.LogLinesDropped)
	assert.Zero(t, snap.StuckJobs)
	assert.InDelta(t, 1.0, snap.LookbackHours, 1e-9)
}

func TestCollector_LookbackExcludesOldJobs(t *testing.T) {
	st := jobs.NewMemoryStore()
	seedJob(t, st, "a", model.JobStatusFailed, nil)

	c := NewCollector(st, 0)
	c.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	snap, err := c.Collect(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, snap.JobsTotal)
	assert.Zero(t, snap.JobFailRate)
}

func TestCollector_StuckJobs(t *testing.T) {
	st := jobs.NewMemoryStore()
	seedJob(t, st, "a", model.JobStatusRunning, nil)

	c := NewCollector(st, time.Hour)
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	snap, err := c.Collect(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StuckJobs)
}

func TestMetaInt(t *testing.T) {
	m := map[string]any{"i": 3, "f": float64(4), "n": json.Number("5"), "s": "6", "i64": int64(7)}
	assert.Equal(t, 3, metaInt(m, "i"))
	assert.Equal(t, 4, metaInt(m, "f"))
	assert.Equal(t, 5, metaInt(m, "n"))
	assert.Equal(t, 0, metaInt(m, "s"))
	assert.Equal(t, 7, metaInt(m, "i64"))
	assert.Equal(t, 0, metaInt(nil, "missing"))
}

func TestAlerter_Evaluate(t *testing.T) {
	cfg := Config{JobFailureRateThreshold: 0.2, EntityFailureRateThreshold: 0.5, StuckAfter: time.Hour}

	tests := []struct {
		name string
		snap Snapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: Snapshot{JobsDone: 19, JobsFailed: 1, JobFailRate: 0.05, EntitiesTotal: 100, EntitiesFailed: 10, EntityFailRate: 0.1},
		},
		{
			name: "job failure rate",
			snap: Snapshot{JobsDone: 6, JobsFailed: 4, JobFailRate: 0.4},
			want: []AlertType{AlertJobFailureRate},
		},
		{
			name: "too few finished jobs",
			snap: Snapshot{JobsDone: 1, JobsFailed: 2, JobFailRate: 0.66},
		},
		{
			name: "entity failure rate",
			snap: Snapshot{JobsDone: 5, EntitiesTotal: 40, EntitiesFailed: 30, EntityFailRate: 0.75},
			want: []AlertType{AlertEntityFailureRate},
		},
		{
			name: "too few entities",
			snap: Snapshot{JobsDone: 5, EntitiesTotal: 4, EntitiesFailed: 4, EntityFailRate: 1},
		},
		{
			name: "stuck and failing",
			snap: Snapshot{JobsDone: 2, JobsFailed: 8, JobFailRate: 0.8, JobsRunning: 2, StuckJobs: 1},
			want: []AlertType{AlertJobFailureRate, AlertStuckJobs},
		},
	}

	a := NewAlerter(cfg)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := a.Evaluate(&tt.snap)
			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_EvaluateMessage(t *testing.T) {
	a := NewAlerter(Config{JobFailureRateThreshold: 0.1})
	alerts := a.Evaluate(&Snapshot{JobsDone: 12, JobsFailed: 8, JobFailRate: 0.4, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "8 failed / 20 finished in last 24h")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		assert.Equal(t, AlertStuckJobs, a.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStuckJobs, Severity: "high"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestAlerter_SendAlertsRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	a.retry.InitialBackoff = time.Millisecond
	a.retry.Jitter = -1

	assert.Equal(t, 1, a.SendAlerts(context.Background(), []Alert{{Type: AlertJobFailureRate}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlertsPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertJobFailureRate}}))
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestAlerter_SendAlertsNoWebhook(t *testing.T) {
	a := NewAlerter(Config{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertJobFailureRate}}))
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := jobs.NewMemoryStore()
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		seedJob(t, st, key, model.JobStatusFailed, nil)
	}

	cfg := Config{JobFailureRateThreshold: 0.5, WebhookURL: srv.URL}
	checker := NewChecker(NewCollector(st, 0), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_Defaults(t *testing.T) {
	c := NewChecker(NewCollector(jobs.NewMemoryStore(), 0), NewAlerter(Config{}), Config{})
	assert.Equal(t, DefaultCheckInterval, c.cfg.CheckInterval)
	assert.Equal(t, DefaultLookbackWindow, c.cfg.LookbackWindow)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := Config{CheckInterval: 10 * time.Millisecond}
	checker := NewChecker(NewCollector(jobs.NewMemoryStore(), 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}
