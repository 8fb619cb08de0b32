package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an enrichment job.
type JobStatus string

const (
	JobStatusCreated JobStatus = "created"
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusCreated, JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusFailed:
		return true
	}
	return false
}

// Predecessors returns the statuses a job may move to s from.
// Any non-terminal status may fail; everything else follows
// created → queued → running → done.
func (s JobStatus) Predecessors() []JobStatus {
	switch s {
	case JobStatusQueued:
		return []JobStatus{JobStatusCreated}
	case JobStatusRunning:
		return []JobStatus{JobStatusQueued}
	case JobStatusDone:
		return []JobStatus{JobStatusRunning}
	case JobStatusFailed:
		return []JobStatus{JobStatusCreated, JobStatusQueued, JobStatusRunning}
	default:
		return nil
	}
}

// CanTransition reports whether a job in status s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return slices.Contains(next.Predecessors(), s)
}

// Job is one enrichment run over one input set.
type Job struct {
	ID            string          `json:"job_id"`
	IdemKey       string          `json:"idem_key"`
	Status        JobStatus       `json:"status"`
	ProgressCur   int             `json:"progress_cur"`
	ProgressTotal int             `json:"progress_total"`
	Error         string          `json:"error,omitempty"`
	OutputRef     string          `json:"output_ref,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// MaxErrorLen bounds the error message stored on a failed job.
const MaxErrorLen = 2000

// TruncateError clips msg to MaxErrorLen bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// Output formats for the job artifact.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// JobRequest is the client payload that starts a job.
type JobRequest struct {
	Sources     []string `json:"sources"`
	MaxRows     int      `json:"max_rows,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	Format      string   `json:"format,omitempty"`
}

// Normalize trims and sorts sources and fills the default format.
func (r JobRequest) Normalize() JobRequest {
	out := JobRequest{
		MaxRows:     r.MaxRows,
		Concurrency: r.Concurrency,
		Format:      strings.ToLower(strings.TrimSpace(r.Format)),
	}
	for _, s := range r.Sources {
		if s = strings.TrimSpace(s); s != "" {
			out.Sources = append(out.Sources, s)
		}
	}
	slices.Sort(out.Sources)
	out.Sources = slices.Compact(out.Sources)
	if out.Format == "" {
		out.Format = FormatCSV
	}
	if out.MaxRows < 0 {
		out.MaxRows = 0
	}
	return out
}

// IdempotencyKey hashes the parts of the request that determine the output.
// Concurrency is excluded: it changes scheduling, never results.
func (r JobRequest) IdempotencyKey() string {
	n := r.Normalize()
	canonical := struct {
		Sources []string `json:"sources"`
		MaxRows int      `json:"max_rows"`
		Format  string   `json:"format"`
	}{n.Sources, n.MaxRows, n.Format}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:32]
}

var jobNamespace = uuid.MustParse("6f1c9a4e-52d3-4b8e-9a57-0e3cf1d2b7a4")

// JobIDFor derives the stable job identifier for an idempotency key.
func JobIDFor(idemKey string) string {
	return uuid.NewSHA1(jobNamespace, []byte(idemKey)).String()
}
