package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_NeverExceedsCapacity(t *testing.T) {
	l := NewLimiter(LimitConfig{Concurrency: 6}, map[string]LimitConfig{
		"fullenrich": {Concurrency: 2},
	})
	assert.Equal(t, 2, l.Capacity("fullenrich"))
	assert.Equal(t, 6, l.Capacity("hunter"))

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "fullenrich")
			require.NoError(t, err)
			defer release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, l.InFlight("fullenrich"))
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(LimitConfig{Concurrency: 1}, nil)
	release, err := l.Acquire(context.Background(), "apollo")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "apollo")
	assert.Error(t, err)
}

func TestLimiter_ReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(LimitConfig{Concurrency: 1}, nil)
	release, err := l.Acquire(context.Background(), "snov")
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, l.InFlight("snov"))

	release, err = l.Acquire(context.Background(), "snov")
	require.NoError(t, err)
	release()
}
