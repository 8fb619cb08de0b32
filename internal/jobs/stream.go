package jobs

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/model"
)

// Stream event types.
const (
	EventHello    = "hello"
	EventLog      = "log"
	EventProgress = "progress"
	EventFinal    = "final"
)

// DefaultPollInterval is how often Stream re-reads the store.
const DefaultPollInterval = 500 * time.Millisecond

// Event is one message in a job's event stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// HelloData opens a stream.
type HelloData struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// LogData carries one log line and its cursor position.
type LogData struct {
	Index int    `json:"index"`
	Line  string `json:"line"`
}

// ProgressData is emitted once per poll.
type ProgressData struct {
	Status model.JobStatus `json:"status"`
	Cur    int             `json:"cur"`
	Total  int             `json:"total"`
}

// FinalData closes a stream once the job is terminal.
type FinalData struct {
	Status    model.JobStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	OutputRef string          `json:"output_ref,omitempty"`
}

// Stream polls the store and emits hello, then new log lines by cursor, a
// progress event per poll, and final when the job reaches a terminal
// state. It returns when the final event is sent, emit fails, or ctx ends.
func Stream(ctx context.Context, store Store, id string, interval time.Duration, emit func(Event) error) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := emit(Event{Type: EventHello, Data: HelloData{JobID: job.ID, Status: job.Status}}); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := 0
	for {
		// Read status before logs: logs are flushed before a terminal
		// transition, so a terminal status means the tail is complete.
		job, err = store.Get(ctx, id)
		if err != nil {
			return err
		}
		lines, err := store.Logs(ctx, id, cursor, 0)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := emit(Event{Type: EventLog, Data: LogData{Index: cursor, Line: line}}); err != nil {
				return err
			}
			cursor++
		}
		if err := emit(Event{Type: EventProgress, Data: ProgressData{
			Status: job.Status, Cur: job.ProgressCur, Total: job.ProgressTotal,
		}}); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return emit(Event{Type: EventFinal, Data: FinalData{
				Status: job.Status, Error: job.Error, OutputRef: job.OutputRef,
			}})
		}

		select {
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "jobs: stream")
		case <-ticker.C:
		}
	}
}

// TailLogs returns at most n of the job's most recent log lines.
func TailLogs(ctx context.Context, store Store, id string, n int) ([]string, error) {
	lines, err := store.Logs(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
