package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			defer wg.Done()
			<-release
		}))
	}
	assert.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	wg.Wait()

	// Once the workers finished, there is room again.
	require.Eventually(t, func() bool {
		done := make(chan struct{})
		if !pool.StartIfAvailable(func() { close(done) }) {
			return false
		}
		<-done
		return true
	}, time.Second, time.Millisecond)

	pool.SetMaxParallelism(0)
	assert.False(t, pool.IsEnabled())
	assert.False(t, pool.StartIfAvailable(func() {}))
	var count atomic.Int32
	pool.WaitToStart(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())
}

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3, 8} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 1000
		var visits [n]atomic.Int32
		pool.ParallelFor(n, 10, func(start, end int) {
			for ii := start; ii < end; ii++ {
				visits[ii].Add(1)
			}
		})
		for ii := range n {
			require.Equalf(t, int32(1), visits[ii].Load(), "parallelism=%d, element %d", parallelism, ii)
		}
	}

	// Nil pool and empty ranges.
	var pool *Pool
	calls := 0
	pool.ParallelFor(5, 1, func(start, end int) {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 5, end)
	})
	assert.Equal(t, 1, calls)
	New().ParallelFor(0, 1, func(_, _ int) { t.Fatal("unexpected call") })
}
