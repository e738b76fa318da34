package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPoolRunsEveryTask ensures Run returns only after all tasks finished.
func TestPoolRunsEveryTask(t *testing.T) {
	t.Parallel()

	var done atomic.Int32
	tasks := make([]Task, 25)
	for i := range tasks {
		tasks[i] = func(context.Context) {
			time.Sleep(time.Millisecond)
			done.Add(1)
		}
	}
	New(4).Run(context.Background(), tasks)
	require.Equal(t, int32(25), done.Load())
}

// TestPoolBoundsConcurrency verifies no more than the limit run at once.
func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const limit = 3
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func(context.Context) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}
	}
	New(limit).Run(context.Background(), tasks)
	require.LessOrEqual(t, peak, limit)
	require.Positive(t, peak)
}

func TestPoolDefaultsAndEmpty(t *testing.T) {
	t.Parallel()

	p := New(0)
	require.Equal(t, DefaultConcurrency, p.Limit())
	p.Run(context.Background(), nil)
}

// TestPoolSkipsUnstartedTasksOnCancel checks that cancellation stops admission.
func TestPoolSkipsUnstartedTasksOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var started atomic.Int32
	tasks := []Task{
		func(context.Context) {
			started.Add(1)
			cancel()
			<-release
		},
		func(context.Context) { started.Add(1) },
		func(context.Context) { started.Add(1) },
	}

	finished := make(chan struct{})
	go func() {
		New(1).Run(ctx, tasks)
		close(finished)
	}()

	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("pool did not return after cancel")
	}
	require.Equal(t, int32(1), started.Load())
}
