package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehaus/vlrucache/internal/workerpool"
)

func Test_Submit_Runs_Every_Job_Exactly_Once(t *testing.T) {
	t.Parallel()

	p := workerpool.New(4, 16)
	defer p.Close()

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			atomic.AddInt64(&n, 1)
			wg.Done()
		}))
	}
	wg.Wait()

	assert.Equal(t, int64(100), atomic.LoadInt64(&n))
}

func Test_Pending_Reflects_Queued_And_Running_Jobs(t *testing.T) {
	t.Parallel()

	p := workerpool.New(1, 8)
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-release }))

	// Give the worker a moment to actually pick up the first job.
	deadline := time.Now().Add(time.Second)
	for p.Pending() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, p.Pending())

	require.NoError(t, p.Submit(func() {}))
	assert.Equal(t, 2, p.Pending())

	close(release)
}

func Test_Submit_After_Close_Returns_ErrClosed(t *testing.T) {
	t.Parallel()

	p := workerpool.New(1, 1)
	p.Close()

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, workerpool.ErrClosed)
}

func Test_Close_Waits_For_In_Flight_Work(t *testing.T) {
	t.Parallel()

	p := workerpool.New(2, 4)

	var ran int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&ran, 1)
		}))
	}

	p.Close()
	assert.Equal(t, int64(5), atomic.LoadInt64(&ran))
}
