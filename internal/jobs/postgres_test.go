package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/review-enrich/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

var jobColumns = []string{
	"job_id", "idem_key", "status", "payload", "progress_cur", "progress_total",
	"error", "output_ref", "metadata", "created_at", "updated_at", "started_at", "finished_at",
}

func jobRow(id, key string, status model.JobStatus, errText, outputRef *string, metadata []byte) *pgxmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var started, finished *time.Time
	if status != model.JobStatusCreated && status != model.JobStatusQueued {
		started = &now
	}
	if status.Terminal() {
		finished = &now
	}
	return pgxmock.NewRows(jobColumns).AddRow(
		id, key, string(status), json.RawMessage(`{"sources":["a.csv"]}`), 0, 0,
		errText, outputRef, metadata, now, now, started, finished,
	)
}

func strPtr(s string) *string { return &s }

func TestPostgresStore_GetOrCreate_Inserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id := model.JobIDFor("key-1")
	payload := []byte(`{"sources":["a.csv"]}`)

	mock.ExpectQuery(`(?s)INSERT INTO enrichment_jobs .*ON CONFLICT \(idem_key\) DO NOTHING\s+RETURNING job_id`).
		WithArgs(id, "key-1", "created", payload).
		WillReturnRows(pgxmock.NewRows([]string{"job_id"}).AddRow(id))
	mock.ExpectQuery(`(?s)SELECT job_id, idem_key, .*FROM enrichment_jobs WHERE idem_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(jobRow(id, "key-1", model.JobStatusCreated, nil, nil, nil))

	j, created, err := s.GetOrCreate(context.Background(), "key-1", payload)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, model.JobStatusCreated, j.Status)
	assert.Nil(t, j.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrCreate_ConflictReadsWinner(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	id := model.JobIDFor("key-1")

	mock.ExpectQuery(`INSERT INTO enrichment_jobs`).
		WithArgs(id, "key-1", "created", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`(?s)SELECT job_id, idem_key, .*WHERE idem_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(jobRow(id, "key-1", model.JobStatusRunning, nil, nil, nil))

	j, created, err := s.GetOrCreate(context.Background(), "key-1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.JobStatusRunning, j.Status)
	assert.NotNil(t, j.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT job_id, idem_key, .*FROM enrichment_jobs WHERE job_id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_DecodesNullableColumns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT job_id, .*WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "k", model.JobStatusFailed, strPtr("boom"), strPtr("out/job-1.csv"),
			[]byte(`{"entities_total":4}`)))

	j, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "boom", j.Error)
	assert.Equal(t, "out/job-1.csv", j.OutputRef)
	assert.EqualValues(t, 4, j.Metadata["entities_total"])
	assert.NotNil(t, j.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_GuardedUpdate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)UPDATE enrichment_jobs SET.*WHERE job_id = \$8 AND status IN \(\$9\)`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1", "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.Transition(context.Background(), "job-1", model.JobStatusRunning, Update{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_FailedAllowsEveryLiveState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`status IN \(\$9, \$10, \$11\)`).
		WithArgs("failed", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"boom", pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1", "created", "queued", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.Transition(context.Background(), "job-1", model.JobStatusFailed, Update{Error: "boom"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_Rejected(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE enrichment_jobs SET`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1", "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`(?s)SELECT job_id, .*WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "k", model.JobStatusDone, nil, nil, nil))

	err := s.Transition(context.Background(), "job-1", model.JobStatusRunning, Update{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE enrichment_jobs SET`).
		WithArgs("queued", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "ghost", "created").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`(?s)SELECT job_id, .*WHERE job_id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err := s.Transition(context.Background(), "ghost", model.JobStatusQueued, Update{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetProgress_Greatest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`progress_cur = GREATEST\(progress_cur, \$1\)`).
		WithArgs(7, 20, "job-1", "done", "failed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.SetProgress(context.Background(), "job-1", 7, 20))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendLog_UnknownJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO enrichment_job_logs`).
		WithArgs("ghost", "hello").
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	err := s.AppendLog(context.Background(), "ghost", "hello")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Logs_Cursor(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT line FROM enrichment_job_logs WHERE job_id = \$1 ORDER BY id LIMIT \$2 OFFSET \$3`).
		WithArgs("job-1", nil, 2).
		WillReturnRows(pgxmock.NewRows([]string{"line"}).AddRow("three").AddRow("four"))

	lines, err := s.Logs(context.Background(), "job-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM enrichment_jobs WHERE 1=1 AND status = \$1 ORDER BY created_at DESC, job_id LIMIT \$2 OFFSET \$3`).
		WithArgs("running", DefaultListLimit, 0).
		WillReturnRows(jobRow("job-1", "k", model.JobStatusRunning, nil, nil, nil))

	jobs, err := s.List(context.Background(), Filter{Status: model.JobStatusRunning})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpireOutputs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)UPDATE enrichment_jobs j SET output_ref = NULL.*RETURNING old.output_ref`).
		WithArgs("done", "failed", cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"output_ref"}).AddRow("out/a.csv").AddRow("out/b.xlsx"))

	refs, err := s.ExpireOutputs(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"out/a.csv", "out/b.xlsx"}, refs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS enrichment_jobs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
