package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/scan"
)

func TestNew_RejectsBadSpec(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "not a schedule", &fakeStarter{}, zap.NewNop())
	require.Error(t, err)

	_, err = New(context.Background(), "@every 1h", nil, zap.NewNop())
	require.Error(t, err)
}

func TestTrigger_SkipsWhileRunning(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s, err := New(context.Background(), "@every 1h", starter, zap.NewNop())
	require.NoError(t, err)

	require.True(t, s.Trigger(context.Background()))
	require.False(t, s.Trigger(context.Background()))
	require.EqualValues(t, 1, s.Started())
	require.EqualValues(t, 1, s.Skipped())

	starter.finish()
	require.True(t, s.Trigger(context.Background()))
	require.EqualValues(t, 2, s.Started())
}

func TestTrigger_OtherErrorsAreNotSkips(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{err: errors.New("id generator down")}
	s, err := New(context.Background(), "*/5 * * * *", starter, nil)
	require.NoError(t, err)

	require.False(t, s.Trigger(context.Background()))
	require.Zero(t, s.Skipped())
	require.Zero(t, s.Started())
}

func TestScheduler_TicksAndStops(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{autoFinish: true}
	s, err := New(context.Background(), "@every 1s", starter, zap.NewNop())
	require.NoError(t, err)
	require.True(t, s.Next().IsZero())

	s.Start()
	require.False(t, s.Next().IsZero())
	require.Eventually(t, func() bool { return s.Started() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

// --- fakes ---

type fakeStarter struct {
	mu         sync.Mutex
	running    bool
	autoFinish bool
	err        error
}

func (f *fakeStarter) Begin(context.Context) (scan.CycleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return scan.CycleInfo{}, f.err
	}
	if f.running {
		return scan.CycleInfo{}, scan.ErrAlreadyRunning
	}
	f.running = !f.autoFinish
	return scan.CycleInfo{ID: "cycle"}, nil
}

func (f *fakeStarter) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}
