package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Hooks lets a running job report log lines and progress. Both methods
// are safe for concurrent use and never block for long.
type Hooks interface {
	Log(line string)
	Logf(format string, args ...any)
	Progress(cur, total int)
}

const journalBuffer = 256

// journal is the single writer for one job's logs and progress. Producers
// enqueue; one goroutine drains into the store, so writes for a job are
// never interleaved.
type journal struct {
	store   Store
	jobID   string
	timeout time.Duration

	lines  chan string
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	cur, tot int
	pending  bool

	dropped atomic.Int64
	once    sync.Once
}

func newJournal(store Store, jobID string, enqueueTimeout time.Duration) *journal {
	if enqueueTimeout <= 0 {
		enqueueTimeout = 50 * time.Millisecond
	}
	return &journal{
		store:   store,
		jobID:   jobID,
		timeout: enqueueTimeout,
		lines:   make(chan string, journalBuffer),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (j *journal) Log(line string) {
	select {
	case <-j.stop:
		j.dropped.Add(1)
		return
	default:
	}
	select {
	case j.lines <- line:
		return
	default:
	}

	timer := time.NewTimer(j.timeout)
	defer timer.Stop()
	select {
	case j.lines <- line:
	case <-timer.C:
		j.dropped.Add(1)
	case <-j.stop:
		j.dropped.Add(1)
	}
}

func (j *journal) Logf(format string, args ...any) {
	j.Log(fmt.Sprintf(format, args...))
}

// Progress records the latest counters. Bursts coalesce into one write.
func (j *journal) Progress(cur, total int) {
	j.mu.Lock()
	j.cur, j.tot, j.pending = cur, total, true
	j.mu.Unlock()

	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// Dropped reports how many log lines were discarded under backpressure.
func (j *journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *journal) run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case line := <-j.lines:
			j.writeLine(ctx, line)
		case <-j.notify:
			j.flushProgress(ctx)
		case <-j.stop:
			j.drain(ctx)
			return
		}
	}
}

func (j *journal) drain(ctx context.Context) {
	for {
		select {
		case line := <-j.lines:
			j.writeLine(ctx, line)
		default:
			j.flushProgress(ctx)
			return
		}
	}
}

// Close stops accepting entries and waits until everything queued has
// been written.
func (j *journal) Close() {
	j.once.Do(func() { close(j.stop) })
	<-j.done
}

func (j *journal) writeLine(ctx context.Context, line string) {
	if err := j.store.AppendLog(ctx, j.jobID, line); err != nil {
		zap.L().Warn("journal: append log failed", zap.String("job_id", j.jobID), zap.Error(err))
	}
}

func (j *journal) flushProgress(ctx context.Context) {
	j.mu.Lock()
	cur, tot, pending := j.cur, j.tot, j.pending
	j.pending = false
	j.mu.Unlock()
	if !pending {
		return
	}
	if err := j.store.SetProgress(ctx, j.jobID, cur, tot); err != nil {
		zap.L().Warn("journal: set progress failed", zap.String("job_id", j.jobID), zap.Error(err))
	}
}
