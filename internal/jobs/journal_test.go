package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingStore stalls AppendLog until released, simulating a slow database.
type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (b *blockingStore) AppendLog(ctx context.Context, id, line string) error {
	<-b.release
	return b.MemoryStore.AppendLog(ctx, id, line)
}

func TestJournal_DropsUnderBackpressure(t *testing.T) {
	st := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	job := createJob(t, st.MemoryStore, "backpressure")

	j := newJournal(st, job.ID, time.Millisecond)
	go j.run(context.Background())

	const total = journalBuffer + 44
	for i := range total {
		j.Log(fmt.Sprintf("line %d", i))
	}
	dropped := j.Dropped()
	assert.InDelta(t, 43, dropped, 1)

	close(st.release)
	j.Close()

	lines, err := st.Logs(context.Background(), job.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, lines, total-int(dropped))
	assert.Equal(t, "line 0", lines[0])
}

func TestJournal_CoalescesProgress(t *testing.T) {
	st := NewMemoryStore()
	job := createJob(t, st, "coalesce")
	advance(t, st, job.ID, "queued", "running")

	j := newJournal(st, job.ID, 0)
	go j.run(context.Background())
	for i := 1; i <= 100; i++ {
		j.Progress(i, 100)
	}
	j.Close()

	got, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.ProgressCur)
	assert.Equal(t, 100, got.ProgressTotal)
}

func TestJournal_LogAfterCloseIsDropped(t *testing.T) {
	st := NewMemoryStore()
	job := createJob(t, st, "closed")

	j := newJournal(st, job.ID, 0)
	go j.run(context.Background())
	j.Log("kept")
	j.Close()
	j.Log("late")

	lines, err := st.Logs(context.Background(), job.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, lines)
	assert.Equal(t, int64(1), j.Dropped())
}
