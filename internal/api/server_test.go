package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
	"github.com/sells-group/review-enrich/internal/monitoring"
)

func newTestServer(t *testing.T, exec jobs.ExecFunc, opts ...jobs.RunnerOption) (*Server, *jobs.Runner) {
	t.Helper()
	r := jobs.NewRunner(jobs.NewMemoryStore(), exec, jobs.RunnerConfig{}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx) //nolint:errcheck
	})
	return New(r, WithPollInterval(10*time.Millisecond)), r
}

func writeArtifact(dir string) jobs.ExecFunc {
	return func(_ context.Context, job model.Job, _ model.JobRequest, hooks jobs.Hooks) (jobs.Outcome, error) {
		hooks.Log("enriching")
		hooks.Progress(1, 1)
		out := filepath.Join(dir, job.ID+".enriched.csv")
		if err := os.WriteFile(out, []byte("row_id\n0\n"), 0o644); err != nil {
			return jobs.Outcome{}, err
		}
		return jobs.Outcome{OutputRef: out}, nil
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func createJob(t *testing.T, h http.Handler, req model.JobRequest) createResponse {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/jobs", req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp createResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func waitDone(t *testing.T, r *jobs.Runner, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.Wait(ctx, id)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, writeArtifact(t.TempDir()))
	rr := do(t, s.Handler(), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateJob_Idempotent(t *testing.T) {
	s, r := newTestServer(t, writeArtifact(t.TempDir()))
	h := s.Handler()

	first := createJob(t, h, model.JobRequest{Sources: []string{"a.csv"}})
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.JobID)
	waitDone(t, r, first.JobID)

	second := createJob(t, h, model.JobRequest{Sources: []string{" a.csv "}, Concurrency: 3})
	assert.False(t, second.Created)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, model.JobStatusDone, second.Status)
}

func TestCreateJob_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, writeArtifact(t.TempDir()))
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/jobs", model.JobRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "source")

	rr = do(t, h, http.MethodPost, "/jobs", model.JobRequest{Sources: []string{"a.csv"}, Format: "pdf"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateJob_PreflightUnavailable(t *testing.T) {
	preflight := jobs.WithPreflight(func(context.Context, model.JobRequest) error {
		return assert.AnError
	})
	s, _ := newTestServer(t, writeArtifact(t.TempDir()), preflight)

	rr := do(t, s.Handler(), http.MethodPost, "/jobs", model.JobRequest{Sources: []string{"a.csv"}})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = do(t, s.Handler(), http.MethodGet, "/jobs", nil)
	var body struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Empty(t, body.Jobs, "no job created when preflight fails")
}

func TestGetJob_WithLogsTail(t *testing.T) {
	s, r := newTestServer(t, writeArtifact(t.TempDir()))
	h := s.Handler()
	created := createJob(t, h, model.JobRequest{Sources: []string{"a.csv"}})
	waitDone(t, r, created.JobID)

	rr := do(t, h, http.MethodGet, "/jobs/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		model.Job
		LogsTail []string `json:"logs_tail"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, created.JobID, body.ID)
	assert.Equal(t, model.JobStatusDone, body.Status)
	assert.Equal(t, 1, body.ProgressCur)
	assert.Contains(t, body.LogsTail, "enriching")

	rr = do(t, h, http.MethodGet, "/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListJobs(t *testing.T) {
	s, r := newTestServer(t, writeArtifact(t.TempDir()))
	h := s.Handler()
	a := createJob(t, h, model.JobRequest{Sources: []string{"a.csv"}})
	b := createJob(t, h, model.JobRequest{Sources: []string{"b.csv"}})
	waitDone(t, r, a.JobID)
	waitDone(t, r, b.JobID)

	rr := do(t, h, http.MethodGet, "/jobs?status=done&limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Jobs, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/jobs?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/jobs?limit=-1", nil).Code)
}

func TestDownload(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	exec := func(ctx context.Context, job model.Job, req model.JobRequest, hooks jobs.Hooks) (jobs.Outcome, error) {
		<-release
		return writeArtifact(dir)(ctx, job, req, hooks)
	}
	s, r := newTestServer(t, exec)
	h := s.Handler()
	created := createJob(t, h, model.JobRequest{Sources: []string{"a.csv"}})

	rr := do(t, h, http.MethodGet, "/jobs/"+created.JobID+"/download", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "not ready while running")

	close(release)
	waitDone(t, r, created.JobID)

	rr = do(t, h, http.MethodGet, "/jobs/"+created.JobID+"/download", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "row_id\n0\n", rr.Body.String())
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), created.JobID+".enriched.csv")

	require.NoError(t, os.Remove(filepath.Join(dir, created.JobID+".enriched.csv")))
	rr = do(t, h, http.MethodGet, "/jobs/"+created.JobID+"/download", nil)
	assert.Equal(t, http.StatusGone, rr.Code)
}

func TestDownload_ExpiredRef(t *testing.T) {
	s, r := newTestServer(t, writeArtifact(t.TempDir()))
	h := s.Handler()
	created := createJob(t, h, model.JobRequest{Sources: []string{"a.csv"}})
	waitDone(t, r, created.JobID)

	_, err := r.Store().ExpireOutputs(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	rr := do(t, h, http.MethodGet, "/jobs/"+created.JobID+"/download", nil)
	assert.Equal(t, http.StatusGone, rr.Code)
}

func TestLogsStream(t *testing.T) {
	s, r := newTestServer(t, writeArtifact(t.TempDir()))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	created := createJob(t, s.Handler(), model.JobRequest{Sources: []string{"a.csv"}})
	waitDone(t, r, created.JobID)

	resp, err := http.Get(srv.URL + "/jobs/" + created.JobID + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var finalData string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, ev)
		}
		if d, ok := strings.CutPrefix(line, "data: "); ok && len(events) > 0 && events[len(events)-1] == jobs.EventFinal {
			finalData = d
		}
	}
	require.NoError(t, sc.Err())

	require.NotEmpty(t, events)
	assert.Equal(t, jobs.EventHello, events[0])
	assert.Equal(t, jobs.EventFinal, events[len(events)-1])
	assert.Contains(t, events, jobs.EventLog)
	assert.Contains(t, events, jobs.EventProgress)

	var final jobs.FinalData
	require.NoError(t, json.Unmarshal([]byte(finalData), &final))
	assert.Equal(t, model.JobStatusDone, final.Status)

	rr := do(t, s.Handler(), http.MethodGet, "/jobs/nope/logs", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	exec := func(ctx context.Context, _ model.Job, _ model.JobRequest, _ jobs.Hooks) (jobs.Outcome, error) {
		close(started)
		<-ctx.Done()
		return jobs.Outcome{}, ctx.Err()
	}
	s, r := newTestServer(t, exec)
	h := s.Handler()
	created := createJob(t, h, model.JobRequest{Sources: []string{"a.csv"}})
	<-started

	rr := do(t, h, http.MethodPost, "/jobs/"+created.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	waitDone(t, r, created.JobID)

	job, err := r.Store().Get(context.Background(), created.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, jobs.MsgCanceled, job.Error)

	rr = do(t, h, http.MethodPost, "/jobs/"+created.JobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMetrics(t *testing.T) {
	exec := func(_ context.Context, _ model.Job, _ model.JobRequest, _ jobs.Hooks) (jobs.Outcome, error) {
		return jobs.Outcome{Metadata: map[string]any{"entities_total": 8, "entities_failed": 2}}, nil
	}
	_, r := newTestServer(t, exec)
	h := New(r, WithMetrics(monitoring.NewCollector(r.Store(), time.Hour), 24*time.Hour)).Handler()

	resp := createJob(t, h, model.JobRequest{Sources: []string{"a.csv"}})
	waitDone(t, r, resp.JobID)

	rr := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var snap monitoring.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.JobsTotal)
	assert.Equal(t, 1, snap.JobsDone)
	assert.Equal(t, 8, snap.EntitiesTotal)
	assert.Equal(t, 2, snap.EntitiesFailed)
	assert.InDelta(t, 24.0, snap.LookbackHours, 1e-9)

	rr = do(t, h, http.MethodGet, "/metrics?lookback=1h", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.InDelta(t, 1.0, snap.LookbackHours, 1e-9)

	rr = do(t, h, http.MethodGet, "/metrics?lookback=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetrics_NotMountedByDefault(t *testing.T) {
	s, _ := newTestServer(t, writeArtifact(t.TempDir()))
	rr := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
