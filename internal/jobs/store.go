// Package jobs persists enrichment jobs and runs them asynchronously.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/model"
)

var (
	// ErrNotFound is returned when no job has the requested ID.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrInvalidTransition is returned when a guarded status update fails
	// because the job is not in an allowed predecessor state.
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
)

// Filter specifies criteria for listing jobs.
type Filter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Update carries the optional columns written alongside a transition.
// Zero values leave the stored column untouched.
type Update struct {
	Error     string
	OutputRef string
	Metadata  map[string]any
}

// Store defines the persistence interface for enrichment jobs. Every
// status change goes through Transition, which is guarded on the
// allowed predecessor states so concurrent writers cannot move a job
// backwards or out of a terminal state.
type Store interface {
	// GetOrCreate atomically inserts a job for idemKey unless one exists,
	// and returns the stored job either way.
	GetOrCreate(ctx context.Context, idemKey string, payload []byte) (*model.Job, bool, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Transition(ctx context.Context, id string, to model.JobStatus, u Update) error
	SetProgress(ctx context.Context, id string, cur, total int) error
	List(ctx context.Context, f Filter) ([]model.Job, error)

	// Logs
	AppendLog(ctx context.Context, id, line string) error
	Logs(ctx context.Context, id string, offset, limit int) ([]string, error)

	// ExpireOutputs clears output_ref on terminal jobs finished before the
	// cutoff and returns the refs it cleared.
	ExpireOutputs(ctx context.Context, before time.Time) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open connects to the configured backend and applies migrations. A
// durable driver that is misconfigured or unreachable is an error; the
// in-memory store is only used when asked for by name.
func Open(ctx context.Context, cfg StoreConfig) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		st  Store
		err error
	)
	switch driver {
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, eris.New("jobs: postgres driver requires a dsn")
		}
		st, err = NewPostgres(ctx, cfg.DSN, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case DriverSQLite:
		if cfg.DSN == "" {
			return nil, eris.New("jobs: sqlite driver requires a dsn")
		}
		if err := ensureDBDir(cfg.DSN); err != nil {
			return nil, err
		}
		st, err = NewSQLite(cfg.DSN)
	case DriverMemory:
		zap.L().Warn("using in-memory job store: jobs will not survive a restart")
		st = NewMemoryStore()
	default:
		return nil, eris.Errorf("jobs: unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// timestamps resolves started_at / finished_at for a move into status to.
// A nil result leaves the column as it was.
func timestamps(to model.JobStatus, now time.Time) (started, finished *time.Time) {
	if to == model.JobStatusRunning {
		started = &now
	}
	if to.Terminal() {
		finished = &now
	}
	return started, finished
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	return b, eris.Wrap(err, "jobs: marshal metadata")
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrap(err, "jobs: unmarshal metadata")
	}
	return m, nil
}

func terminalStatuses() []any {
	return []any{string(model.JobStatusDone), string(model.JobStatusFailed)}
}

func statusArgs(ss []model.JobStatus) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
