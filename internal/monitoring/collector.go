// Package monitoring watches job health: it summarizes recent jobs from the
// store, evaluates the summary against thresholds, and posts alerts to a
// webhook.
package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/jobs"
	"github.com/sells-group/review-enrich/internal/model"
)

// Config holds monitoring thresholds and delivery settings.
type Config struct {
	CheckInterval              time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackWindow             time.Duration `yaml:"lookback_window" mapstructure:"lookback_window"`
	JobFailureRateThreshold    float64       `yaml:"job_failure_rate_threshold" mapstructure:"job_failure_rate_threshold"`
	EntityFailureRateThreshold float64       `yaml:"entity_failure_rate_threshold" mapstructure:"entity_failure_rate_threshold"`
	StuckAfter                 time.Duration `yaml:"stuck_after" mapstructure:"stuck_after"`
	WebhookURL                 string        `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Snapshot is a point-in-time view of job health over a lookback window.
type Snapshot struct {
	JobsTotal   int     `json:"jobs_total"`
	JobsQueued  int     `json:"jobs_queued"`
	JobsRunning int     `json:"jobs_running"`
	JobsDone    int     `json:"jobs_done"`
	JobsFailed  int     `json:"jobs_failed"`
	JobFailRate float64 `json:"job_fail_rate"`

	// Entity counts come from the metadata of finished jobs.
	EntitiesTotal  int     `json:"entities_total"`
	EntitiesFailed int     `json:"entities_failed"`
	EntityFailRate float64 `json:"entity_fail_rate"`

	RowsTotal       int `json:"rows_total"`
	LogLinesDropped int `json:"log_lines_dropped"`
	StuckJobs       int `json:"stuck_jobs"`

	LookbackHours float64   `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// collectPage is the store page size used while scanning the window.
const collectPage = 500

// Collector gathers job metrics from the store.
type Collector struct {
	store      jobs.Store
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. Running jobs started more than
// stuckAfter ago are counted as stuck; zero disables the check.
func NewCollector(st jobs.Store, stuckAfter time.Duration) *Collector {
	return &Collector{store: st, stuckAfter: stuckAfter, now: time.Now}
}

// Collect summarizes jobs created within lookback.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookback.Hours(),
		CollectedAt:   now,
	}
	cutoff := now.Add(-lookback)

	for offset := 0; ; offset += collectPage {
		page, err := c.store.List(ctx, jobs.Filter{Limit: collectPage, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list jobs")
		}
		for i := range page {
			// List is newest first, so the first job before the cutoff ends the scan.
			if page[i].CreatedAt.Before(cutoff) {
				snap.finish()
				return snap, nil
			}
			c.add(snap, &page[i], now)
		}
		if len(page) < collectPage {
			break
		}
	}
	snap.finish()
	return snap, nil
}

func (c *Collector) add(snap *Snapshot, j *model.Job, now time.Time) {
	snap.JobsTotal++
	switch j.Status {
	case model.JobStatusCreated, model.JobStatusQueued:
		snap.JobsQueued++
	case model.JobStatusRunning:
		snap.JobsRunning++
		if c.stuckAfter > 0 && j.StartedAt != nil && now.Sub(*j.StartedAt) > c.stuckAfter {
			snap.StuckJobs++
		}
	case model.JobStatusDone:
		snap.JobsDone++
	case model.JobStatusFailed:
		snap.JobsFailed++
	}

	if !j.Status.Terminal() {
		return
	}
	snap.EntitiesTotal += metaInt(j.Metadata, "entities_total")
	snap.EntitiesFailed += metaInt(j.Metadata, "entities_failed")
	snap.RowsTotal += metaInt(j.Metadata, "rows_total")
	snap.LogLinesDropped += metaInt(j.Metadata, "log_lines_dropped")
}

func (s *Snapshot) finish() {
	if finished := s.JobsDone + s.JobsFailed; finished > 0 {
		s.JobFailRate = float64(s.JobsFailed) / float64(finished)
	}
	if s.EntitiesTotal > 0 {
		s.EntityFailRate = float64(s.EntitiesFailed) / float64(s.EntitiesTotal)
	}
}

// metaInt reads a count from job metadata. Values decoded from JSON
// arrive as float64; values set in-process stay ints.
func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
