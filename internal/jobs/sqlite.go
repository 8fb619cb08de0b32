package jobs

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/review-enrich/internal/model"
)

// sqliteTimeLayout is fixed-width so stored timestamps compare correctly
// as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers and keeps the guarded updates atomic.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// ensureDBDir creates the parent directory of a plain file DSN.
func ensureDBDir(dsn string) error {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "sqlite: create dir %s", dir)
	}
	return nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS enrichment_jobs (
	job_id         TEXT PRIMARY KEY,
	idem_key       TEXT NOT NULL UNIQUE,
	status         TEXT NOT NULL DEFAULT 'created',
	payload        TEXT NOT NULL,
	progress_cur   INTEGER NOT NULL DEFAULT 0,
	progress_total INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	output_ref     TEXT,
	metadata       TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	started_at     TEXT,
	finished_at    TEXT
);

CREATE TABLE IF NOT EXISTS enrichment_job_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES enrichment_jobs(job_id),
	line       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_status ON enrichment_jobs(status);
CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_created_at ON enrichment_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_enrichment_job_logs_job_id ON enrichment_job_logs(job_id, id);
`

const sqliteJobColumns = `job_id, idem_key, status, payload, progress_cur, progress_total,
	error, output_ref, metadata, created_at, updated_at, started_at, finished_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, idemKey string, payload []byte) (*model.Job, bool, error) {
	now := formatSQLiteTime(time.Now())
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO enrichment_jobs (job_id, idem_key, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idem_key) DO NOTHING
		 RETURNING job_id`,
		model.JobIDFor(idemKey), idemKey, string(model.JobStatusCreated), string(payload), now, now,
	).Scan(&id)
	created := true
	if errors.Is(err, sql.ErrNoRows) {
		created = false
	} else if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert job")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM enrichment_jobs WHERE idem_key = ?`, idemKey)
	j, err := scanSQLiteJob(row)
	if err != nil {
		return nil, false, err
	}
	return j, created, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM enrichment_jobs WHERE job_id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get job %s", id)
	}
	return j, err
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, to model.JobStatus, u Update) error {
	preds := to.Predecessors()
	if len(preds) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: job %s cannot move to %s", id, to)
	}
	meta, err := marshalMetadata(u.Metadata)
	if err != nil {
		return err
	}
	var metaArg any
	if meta != nil {
		metaArg = string(meta)
	}

	now := time.Now()
	started, finished := timestamps(to, now)
	args := []any{
		string(to), formatSQLiteTime(now),
		sqliteNullTime(started), sqliteNullTime(finished),
		nullString(model.TruncateError(u.Error)), nullString(u.OutputRef), metaArg,
		id,
	}
	args = append(args, statusArgs(preds)...)

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET
			status = ?, updated_at = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at),
			error = COALESCE(?, error),
			output_ref = COALESCE(?, output_ref),
			metadata = COALESCE(?, metadata)
		 WHERE job_id = ? AND status IN (`+placeholders(len(preds))+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "sqlite: job %s %s -> %s", id, cur.Status, to)
}

func (s *SQLiteStore) SetProgress(ctx context.Context, id string, cur, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET
			progress_cur = MAX(progress_cur, ?),
			progress_total = MAX(progress_total, ?),
			updated_at = ?
		 WHERE job_id = ? AND status NOT IN (?, ?)`,
		append([]any{cur, total, formatSQLiteTime(time.Now()), id}, terminalStatuses()...)...,
	)
	return eris.Wrapf(err, "sqlite: set progress %s", id)
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM enrichment_jobs WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, job_id LIMIT ? OFFSET ?`
	args = append(args, f.limit(), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) AppendLog(ctx context.Context, id, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_job_logs (job_id, line, created_at) VALUES (?, ?, ?)`,
		id, line, formatSQLiteTime(time.Now()),
	)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return eris.Wrapf(ErrNotFound, "sqlite: append log %s", id)
	}
	return eris.Wrapf(err, "sqlite: append log %s", id)
}

func (s *SQLiteStore) Logs(ctx context.Context, id string, offset, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM enrichment_job_logs WHERE job_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		id, limit, max(offset, 0),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: logs %s", id)
	}
	defer rows.Close() //nolint:errcheck

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log line")
		}
		lines = append(lines, line)
	}
	return lines, eris.Wrap(rows.Err(), "sqlite: logs iterate")
}

func (s *SQLiteStore) ExpireOutputs(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin expire")
	}
	defer tx.Rollback() //nolint:errcheck

	args := append(terminalStatuses(), formatSQLiteTime(before))
	rows, err := tx.QueryContext(ctx,
		`SELECT job_id, output_ref FROM enrichment_jobs
		 WHERE status IN (?, ?) AND output_ref IS NOT NULL AND finished_at < ?
		 ORDER BY output_ref`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select expired outputs")
	}
	var ids, refs []string
	for rows.Next() {
		var id, ref string
		if err := rows.Scan(&id, &ref); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan expired output")
		}
		ids = append(ids, id)
		refs = append(refs, ref)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: expired outputs iterate")
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE enrichment_jobs SET output_ref = NULL WHERE job_id = ?`, id,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: expire output %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit expire")
	}
	return refs, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var (
		j                            model.Job
		status, payload              string
		errText, outputRef, metadata sql.NullString
		createdAt, updatedAt         string
		startedAt, finishedAt        sql.NullString
	)
	err := row.Scan(&j.ID, &j.IdemKey, &status, &payload, &j.ProgressCur, &j.ProgressTotal,
		&errText, &outputRef, &metadata, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	j.Status = model.JobStatus(status)
	j.Payload = []byte(payload)
	j.Error = errText.String
	j.OutputRef = outputRef.String
	if j.Metadata, err = unmarshalMetadata([]byte(metadata.String)); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseSQLiteNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseSQLiteNullTime(finishedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqliteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseSQLiteNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseSQLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
