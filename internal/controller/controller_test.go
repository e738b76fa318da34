package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/clock/system"
	"github.com/JakeFAU/tgscan/internal/dispatcher"
	"github.com/JakeFAU/tgscan/internal/id/uuid"
	"github.com/JakeFAU/tgscan/internal/matcher"
	"github.com/JakeFAU/tgscan/internal/progress"
	"github.com/JakeFAU/tgscan/internal/scan"
	"github.com/JakeFAU/tgscan/internal/sink"
	"github.com/JakeFAU/tgscan/internal/storage/memory"
	"github.com/JakeFAU/tgscan/internal/watchlist"
	"github.com/JakeFAU/tgscan/internal/worker"
)

type harness struct {
	ctrl     *Controller
	wl       *watchlist.Store
	logs     *memory.LogOpener
	sink     *sink.Sink
	resolver *fakeResolver
	emitter  *fakeEmitter
	targets  *fakeTargetList
	archiver *fakeArchiver
}

func newHarness(t *testing.T, keywords []string, fetcher scan.TextFetcher, resolver *fakeResolver) *harness {
	t.Helper()
	return newHarnessWithOpener(t, keywords, fetcher, resolver, nil)
}

// newHarnessWithOpener lets wrap decorate the memory log opener the sink uses.
func newHarnessWithOpener(t *testing.T, keywords []string, fetcher scan.TextFetcher, resolver *fakeResolver,
	wrap func(scan.MatchLogOpener) scan.MatchLogOpener,
) *harness {
	t.Helper()

	wl, err := watchlist.New("", keywords, nil, zap.NewNop())
	require.NoError(t, err)
	clock := system.New()
	logs := memory.NewLogOpener()
	var opener scan.MatchLogOpener = logs
	if wrap != nil {
		opener = wrap(logs)
	}
	results := sink.New(opener)
	emitter := &fakeEmitter{}
	w := worker.New(fetcher, matcher.New(matcher.Config{Window: 10}, clock), results, nil, emitter, clock, nil,
		worker.Config{TargetTimeout: time.Second}, zap.NewNop())
	h := &harness{
		wl:       wl,
		logs:     logs,
		sink:     results,
		resolver: resolver,
		emitter:  emitter,
		targets:  &fakeTargetList{},
		archiver: &fakeArchiver{},
	}
	h.ctrl, err = New(Deps{
		Watchlist:  wl,
		Resolver:   resolver,
		Sink:       results,
		Scanner:    w,
		Pool:       dispatcher.New(3),
		TargetList: h.targets,
		Archiver:   h.archiver,
		Emitter:    emitter,
		IDs:        uuid.NewUUIDGenerator(),
		Clock:      clock,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ctrl.Close(context.Background()) })
	return h
}

func fiveTargets() []scan.Target {
	out := make([]scan.Target, 0, 5)
	for i := 0; i < 5; i++ {
		out = append(out, scan.Target(fmt.Sprintf("https://t.me/s/chan%d", i)))
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	require.Error(t, err)
}

func TestStart_FailingTargetDoesNotFailCycle(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()
	fetcher := &fakeFetcher{
		units: map[scan.Target][]string{},
		errs:  map[scan.Target]error{targets[2]: errors.New("connection refused")},
	}
	for _, tgt := range targets {
		fetcher.units[tgt] = []string{"fresh data breach reported today by leak group", "nothing to see"}
	}
	h := newHarness(t, []string{"breach", "leak"}, fetcher, &fakeResolver{targets: targets})

	info, err := h.ctrl.Start(context.Background())
	require.NoError(t, err)

	status := h.ctrl.Status()
	require.Equal(t, scan.StateComplete, status.State)
	require.Equal(t, info.ID, status.CycleID)
	require.Equal(t, 5, status.TargetCount)
	require.Equal(t, 1, status.TargetsFailed)
	require.Equal(t, 4, status.MatchCount)
	require.Empty(t, status.LastError)
	require.False(t, status.FinishedAt.IsZero())
	for _, m := range status.Results {
		require.Equal(t, "breach", m.Keyword)
		require.NotEqual(t, targets[2], m.Target)
		require.Equal(t, info.ID, m.CycleID)
	}

	cycle := h.ctrl.Cycle()
	require.Equal(t, 5, cycle.TargetsScanned)
	require.Equal(t, targets, cycle.Targets)
}

func TestStart_RecordedMatchesEqualDurableLog(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()
	fetcher := &fakeFetcher{units: map[scan.Target][]string{}}
	for _, tgt := range targets {
		fetcher.units[tgt] = []string{"a leak here", "and a breach there"}
	}
	h := newHarness(t, []string{"breach", "leak"}, fetcher, &fakeResolver{targets: targets})

	info, err := h.ctrl.Start(context.Background())
	require.NoError(t, err)

	log, ok := h.logs.Log(info.ID)
	require.True(t, ok)
	require.Len(t, log.Matches(), 10)
	require.ElementsMatch(t, log.Matches(), h.sink.Snapshot())
	require.Equal(t, log.Location(), h.ctrl.Status().ResultsFile)
}

func TestStart_EmptyTargetSetFails(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, []string{"breach"}, fetcher, &fakeResolver{})

	_, err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, scan.ErrNoTargets)

	status := h.ctrl.Status()
	require.Equal(t, scan.StateFailed, status.State)
	require.Empty(t, status.Results)
	require.Contains(t, status.LastError, scan.ErrNoTargets.Error())
	require.Zero(t, fetcher.callCount())
	require.Zero(t, h.targets.calls())

	stages := h.emitter.stages()
	require.Equal(t, []progress.Stage{progress.StageCycleError}, stages)
}

func TestStart_SourceUnavailableFails(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{err: fmt.Errorf("all listings: %w", scan.ErrSourceUnavailable)}
	h := newHarness(t, []string{"breach"}, &fakeFetcher{}, resolver)

	_, err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, scan.ErrSourceUnavailable)
	require.Equal(t, scan.StateFailed, h.ctrl.Status().State)
}

func TestStart_NoKeywordsFailsBeforeResolving(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: fiveTargets()}
	h := newHarness(t, nil, &fakeFetcher{}, resolver)

	_, err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, scan.ErrNoKeywords)
	require.Equal(t, scan.StateFailed, h.ctrl.Status().State)
	require.Zero(t, resolver.callCount())
}

func TestStart_RejectedWhileRunning(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()[:2]
	gate := make(chan struct{})
	fetcher := &fakeFetcher{
		units:   map[scan.Target][]string{targets[0]: {"breach"}, targets[1]: {"breach"}},
		gate:    gate,
		ungated: map[scan.Target]bool{targets[0]: true},
	}
	h := newHarness(t, []string{"breach"}, fetcher, &fakeResolver{targets: targets})

	info, err := h.ctrl.Begin(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return fetcher.callCount() == 2 && h.sink.Len() == 1
	}, time.Second, 5*time.Millisecond)

	before := h.ctrl.Cycle()
	resultsBefore := h.sink.Snapshot()
	fileBefore := h.ctrl.Status().ResultsFile
	_, err = h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, scan.ErrAlreadyRunning)
	_, err = h.ctrl.Begin(context.Background())
	require.ErrorIs(t, err, scan.ErrAlreadyRunning)

	after := h.ctrl.Cycle()
	require.Equal(t, before.ID, after.ID)
	require.Equal(t, info.ID, after.ID)
	require.Equal(t, before.Targets, after.Targets)
	require.Equal(t, resultsBefore, h.sink.Snapshot())
	require.Len(t, resultsBefore, 1)
	status := h.ctrl.Status()
	require.Equal(t, scan.StateRunning, status.State)
	require.Equal(t, resultsBefore, status.Results)
	require.Equal(t, fileBefore, status.ResultsFile)
	require.NotEmpty(t, fileBefore)
	require.True(t, h.ctrl.Running())

	close(gate)
	require.NoError(t, h.ctrl.Wait(context.Background()))
	status = h.ctrl.Status()
	require.Equal(t, scan.StateComplete, status.State)
	require.Equal(t, 2, status.MatchCount)
}

func TestStatus_HidesPreviousResultsUntilSinkReset(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()[:1]
	fetcher := &fakeFetcher{units: map[scan.Target][]string{targets[0]: {"breach"}}}
	opener := &gatedOpener{blockOn: 2, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWithOpener(t, []string{"breach"}, fetcher, &fakeResolver{targets: targets},
		func(inner scan.MatchLogOpener) scan.MatchLogOpener {
			opener.inner = inner
			return opener
		})

	first, err := h.ctrl.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.ctrl.Status().MatchCount)
	require.NotEmpty(t, h.ctrl.Status().ResultsFile)

	second, err := h.ctrl.Begin(context.Background())
	require.NoError(t, err)
	<-opener.entered

	status := h.ctrl.Status()
	require.Equal(t, scan.StateRunning, status.State)
	require.Equal(t, second.ID, status.CycleID)
	require.NotEqual(t, first.ID, status.CycleID)
	require.Zero(t, status.MatchCount)
	require.Empty(t, status.Results)
	require.Empty(t, status.ResultsFile)

	close(opener.release)
	require.NoError(t, h.ctrl.Wait(context.Background()))
	status = h.ctrl.Status()
	require.Equal(t, second.ID, status.CycleID)
	require.Equal(t, 1, status.MatchCount)
	require.NotEmpty(t, status.ResultsFile)
}

func TestTerminalStateAcceptsNextStartAndResets(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()[:1]
	fetcher := &fakeFetcher{units: map[scan.Target][]string{targets[0]: {"breach", "leak"}}}
	h := newHarness(t, []string{"breach"}, fetcher, &fakeResolver{targets: targets})

	first, err := h.ctrl.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.ctrl.Status().MatchCount)

	_, err = h.ctrl.UpdateKeywords(context.Background(), []string{"breach", "leak"})
	require.NoError(t, err)
	// The finished cycle stays readable until the next start.
	status := h.ctrl.Status()
	require.Equal(t, first.ID, status.CycleID)
	require.Equal(t, 1, status.MatchCount)
	require.Equal(t, scan.KeywordSet{"breach"}, status.CycleKeywords)
	require.Equal(t, scan.KeywordSet{"breach", "leak"}, status.Keywords)

	second, err := h.ctrl.Start(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.EqualValues(t, 2, second.WatchlistVersion)

	status = h.ctrl.Status()
	require.Equal(t, second.ID, status.CycleID)
	require.Equal(t, 2, status.MatchCount)
	for _, m := range status.Results {
		require.Equal(t, second.ID, m.CycleID)
	}
}

func TestUpdateKeywordsDoesNotTouchRunningCycle(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()[:1]
	gate := make(chan struct{})
	fetcher := &fakeFetcher{units: map[scan.Target][]string{targets[0]: {"breach", "leak"}}, gate: gate}
	h := newHarness(t, []string{"breach"}, fetcher, &fakeResolver{targets: targets})

	info, err := h.ctrl.Begin(context.Background())
	require.NoError(t, err)

	snap, err := h.ctrl.UpdateKeywords(context.Background(), []string{"leak"})
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.Version)
	_, err = h.ctrl.UpdateKeywords(context.Background(), []string{" "})
	require.ErrorIs(t, err, scan.ErrNoKeywords)

	close(gate)
	require.NoError(t, h.ctrl.Wait(context.Background()))

	require.Equal(t, scan.KeywordSet{"breach"}, info.Keywords)
	results := h.ctrl.Status().Results
	require.Len(t, results, 1)
	require.Equal(t, "breach", results[0].Keyword)
}

func TestAddTargetFeedsNextCycle(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	fetcher := &fakeFetcher{units: map[scan.Target][]string{"https://t.me/s/extra": {"breach"}}}
	h := newHarness(t, []string{"breach"}, fetcher, resolver)

	added, err := h.ctrl.AddTarget(context.Background(), "https://t.me/extra")
	require.NoError(t, err)
	require.True(t, added)
	added, err = h.ctrl.AddTarget(context.Background(), "@extra")
	require.NoError(t, err)
	require.False(t, added)
	_, err = h.ctrl.AddTarget(context.Background(), "")
	require.ErrorIs(t, err, watchlist.ErrInvalidTarget)

	_, err = h.ctrl.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, []scan.Target{"https://t.me/s/extra"}, resolver.lastStatic())
	require.Equal(t, 1, h.ctrl.Status().MatchCount)
}

func TestCycleWritesTargetListArchivesAndEmits(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()[:2]
	fetcher := &fakeFetcher{units: map[scan.Target][]string{targets[0]: {"breach"}, targets[1]: {"calm"}}}
	h := newHarness(t, []string{"breach"}, fetcher, &fakeResolver{targets: targets})

	info, err := h.ctrl.Start(context.Background())
	require.NoError(t, err)

	require.Equal(t, targets, h.targets.last())
	status := h.ctrl.Status()
	require.Equal(t, scan.LinksInfo{Count: 2, Filename: "mem://links.txt"}, status.LinksInfo)

	archived := h.archiver.files()
	require.Equal(t, []string{h.sink.Location(), "mem://links.txt"}, archived)

	stages := h.emitter.stages()
	require.Equal(t, progress.StageCycleStart, stages[0])
	require.Equal(t, progress.StageCycleDone, stages[len(stages)-1])
	require.ElementsMatch(t, []progress.Stage{
		progress.StageCycleStart, progress.StageMatch, progress.StageTargetDone,
		progress.StageTargetDone, progress.StageCycleDone,
	}, stages)
	for _, evt := range h.emitter.all() {
		require.Equal(t, progress.ParseCycleID(info.ID), evt.CycleID)
		require.NoError(t, evt.Validate())
	}
}

func TestCloseInterruptsBackgroundCycle(t *testing.T) {
	t.Parallel()

	targets := fiveTargets()
	fetcher := &fakeFetcher{units: map[scan.Target][]string{}, gate: make(chan struct{})}
	h := newHarness(t, []string{"breach"}, fetcher, &fakeResolver{targets: targets})

	_, err := h.ctrl.Begin(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fetcher.callCount() > 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Close(ctx))

	status := h.ctrl.Status()
	require.Equal(t, scan.StateFailed, status.State)
	require.Contains(t, status.LastError, "interrupted")
}

func TestWaitWithoutCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{"breach"}, &fakeFetcher{}, &fakeResolver{})
	require.NoError(t, h.ctrl.Wait(context.Background()))
	require.Equal(t, scan.StateIdle, h.ctrl.Status().State)
}

// --- fakes ---

type fakeResolver struct {
	mu      sync.Mutex
	targets []scan.Target
	err     error
	calls   int
	static  []scan.Target
}

func (r *fakeResolver) Resolve(_ context.Context, static []scan.Target) ([]scan.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.static = append([]scan.Target(nil), static...)
	if r.err != nil {
		return nil, r.err
	}
	out := append([]scan.Target(nil), static...)
	out = append(out, r.targets...)
	if len(out) == 0 {
		return nil, scan.ErrNoTargets
	}
	return out, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeResolver) lastStatic() []scan.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.static
}

type fakeFetcher struct {
	mu      sync.Mutex
	units   map[scan.Target][]string
	errs    map[scan.Target]error
	gate    chan struct{}
	ungated map[scan.Target]bool
	calls   int
}

func (f *fakeFetcher) FetchText(ctx context.Context, target scan.Target) ([]string, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	if f.ungated[target] {
		gate = nil
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[target]; ok {
		return nil, err
	}
	return f.units[target], nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *fakeEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *fakeEmitter) all() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

func (e *fakeEmitter) stages() []progress.Stage {
	events := e.all()
	out := make([]progress.Stage, len(events))
	for i, evt := range events {
		out[i] = evt.Stage
	}
	return out
}

type fakeTargetList struct {
	mu      sync.Mutex
	n       int
	targets []scan.Target
}

func (f *fakeTargetList) WriteTargets(_ context.Context, _ scan.CycleInfo, targets []scan.Target) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.targets = append([]scan.Target(nil), targets...)
	return "mem://links.txt", nil
}

func (f *fakeTargetList) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeTargetList) last() []scan.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (a *fakeArchiver) Archive(_ context.Context, _ scan.Cycle, files ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, files...)
	return nil
}

func (a *fakeArchiver) files() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archived
}

// gatedOpener blocks the blockOn-th Open until release is closed.
type gatedOpener struct {
	inner   scan.MatchLogOpener
	blockOn int
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	opens int
}

func (o *gatedOpener) Open(ctx context.Context, cycle scan.CycleInfo) (scan.MatchLog, error) {
	o.mu.Lock()
	o.opens++
	n := o.opens
	o.mu.Unlock()
	if n == o.blockOn {
		close(o.entered)
		<-o.release
	}
	return o.inner.Open(ctx, cycle)
}
