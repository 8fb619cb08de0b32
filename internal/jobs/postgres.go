package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/model"
)

// Pool is the subset of *pgxpool.Pool the store needs. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool and verifies
// the database is reachable.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS enrichment_jobs (
	job_id         TEXT PRIMARY KEY,
	idem_key       TEXT NOT NULL UNIQUE,
	status         TEXT NOT NULL DEFAULT 'created',
	payload        JSONB NOT NULL,
	progress_cur   INTEGER NOT NULL DEFAULT 0,
	progress_total INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	output_ref     TEXT,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS enrichment_job_logs (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES enrichment_jobs(job_id) ON DELETE CASCADE,
	line       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_status ON enrichment_jobs(status);
CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_created_at ON enrichment_jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_enrichment_job_logs_job_id ON enrichment_job_logs(job_id, id);
`

const pgJobColumns = `job_id, idem_key, status, payload, progress_cur, progress_total,
	error, output_ref, metadata, created_at, updated_at, started_at, finished_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, idemKey string, payload []byte) (*model.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO enrichment_jobs (job_id, idem_key, status, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (idem_key) DO NOTHING
		 RETURNING job_id`,
		model.JobIDFor(idemKey), idemKey, string(model.JobStatusCreated), payload,
	).Scan(&id)
	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
	} else if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert job")
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM enrichment_jobs WHERE idem_key = $1`, idemKey)
	j, err := scanPgJob(row)
	if err != nil {
		return nil, false, err
	}
	return j, created, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM enrichment_jobs WHERE job_id = $1`, id)
	j, err := scanPgJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", id)
	}
	return j, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to model.JobStatus, u Update) error {
	preds := to.Predecessors()
	if len(preds) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: job %s cannot move to %s", id, to)
	}
	meta, err := marshalMetadata(u.Metadata)
	if err != nil {
		return err
	}
	var metaArg any
	if meta != nil {
		metaArg = meta
	}

	now := time.Now().UTC()
	started, finished := timestamps(to, now)
	args := []any{
		string(to), now, started, finished,
		nullString(model.TruncateError(u.Error)), nullString(u.OutputRef), metaArg,
		id,
	}
	args = append(args, statusArgs(preds)...)

	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET
			status = $1, updated_at = $2,
			started_at = COALESCE($3, started_at),
			finished_at = COALESCE($4, finished_at),
			error = COALESCE($5, error),
			output_ref = COALESCE($6, output_ref),
			metadata = COALESCE($7, metadata)
		 WHERE job_id = $8 AND status IN (`+pgPlaceholders(9, len(preds))+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition job %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "postgres: job %s %s -> %s", id, cur.Status, to)
}

func (s *PostgresStore) SetProgress(ctx context.Context, id string, cur, total int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET
			progress_cur = GREATEST(progress_cur, $1),
			progress_total = GREATEST(progress_total, $2),
			updated_at = now()
		 WHERE job_id = $3 AND status NOT IN ($4, $5)`,
		append([]any{cur, total, id}, terminalStatuses()...)...,
	)
	return eris.Wrapf(err, "postgres: set progress %s", id)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM enrichment_jobs WHERE 1=1`
	var args []any
	argN := 1

	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(f.Status))
		argN++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, job_id LIMIT $%d OFFSET $%d`, argN, argN+1)
	args = append(args, f.limit(), max(f.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) AppendLog(ctx context.Context, id, line string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_job_logs (job_id, line) VALUES ($1, $2)`, id, line)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return eris.Wrapf(ErrNotFound, "postgres: append log %s", id)
	}
	return eris.Wrapf(err, "postgres: append log %s", id)
}

func (s *PostgresStore) Logs(ctx context.Context, id string, offset, limit int) ([]string, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT line FROM enrichment_job_logs WHERE job_id = $1 ORDER BY id LIMIT $2 OFFSET $3`,
		id, limitArg, max(offset, 0),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: logs %s", id)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log line")
		}
		lines = append(lines, line)
	}
	return lines, eris.Wrap(rows.Err(), "postgres: logs iterate")
}

func (s *PostgresStore) ExpireOutputs(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE enrichment_jobs j SET output_ref = NULL, updated_at = now()
		 FROM (
			SELECT job_id, output_ref FROM enrichment_jobs
			WHERE status IN ($1, $2) AND output_ref IS NOT NULL AND finished_at < $3
			FOR UPDATE
		 ) old
		 WHERE j.job_id = old.job_id
		 RETURNING old.output_ref`,
		append(terminalStatuses(), before)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: expire outputs")
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, eris.Wrap(err, "postgres: scan expired output")
		}
		refs = append(refs, ref)
	}
	return refs, eris.Wrap(rows.Err(), "postgres: expire outputs iterate")
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var (
		j                  model.Job
		status             string
		errText, outputRef *string
		metadata           []byte
	)
	err := row.Scan(&j.ID, &j.IdemKey, &status, &j.Payload, &j.ProgressCur, &j.ProgressTotal,
		&errText, &outputRef, &metadata, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	j.Status = model.JobStatus(status)
	if errText != nil {
		j.Error = *errText
	}
	if outputRef != nil {
		j.OutputRef = *outputRef
	}
	if j.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &j, nil
}

// pgPlaceholders returns "$start, $start+1, ..." for n parameters.
func pgPlaceholders(start, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ps, ", ")
}
