package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/tgscan/internal/progress"
)

// PrometheusSink exports scan progress via Prometheus. It owns the collectors
// for cycles started/completed/running, per-keyword matches and per-target
// outcomes.
type PrometheusSink struct {
	cyclesStarted   prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	cyclesRunning   prometheus.Gauge
	cycleRuntime    *prometheus.HistogramVec

	matches        *prometheus.CounterVec
	targets        *prometheus.CounterVec
	targetDuration prometheus.Histogram

	tracker *cycleTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgscan_cycles_started_total",
			Help: "Total scan cycles that have started.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgscan_cycles_completed_total",
			Help: "Total scan cycles completed partitioned by result.",
		}, []string{"result"}),
		cyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tgscan_cycles_running",
			Help: "Current number of running cycles.",
		}),
		cycleRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tgscan_cycle_runtime_seconds",
			Help:    "Wall time per completed cycle.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgscan_matches_total",
			Help: "Keyword matches recorded, partitioned by keyword.",
		}, []string{"keyword"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgscan_targets_scanned_total",
			Help: "Targets processed partitioned by result.",
		}, []string{"result"}),
		targetDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgscan_target_duration_seconds",
			Help:    "Fetch and scan time per target.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		tracker: newCycleTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesCompleted,
		s.cyclesRunning,
		s.cycleRuntime,
		s.matches,
		s.targets,
		s.targetDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart:
		s.cyclesStarted.Inc()
		if s.tracker.start(evt.CycleID) {
			s.cyclesRunning.Inc()
		}
	case progress.StageCycleDone:
		s.finishCycle(evt, "success")
	case progress.StageCycleError:
		s.finishCycle(evt, "error")
	case progress.StageMatch:
		s.matches.WithLabelValues(evt.Keyword).Inc()
	case progress.StageTargetDone:
		s.targets.WithLabelValues("success").Inc()
		s.observeTarget(evt)
	case progress.StageTargetError:
		s.targets.WithLabelValues("error").Inc()
		s.observeTarget(evt)
	}
}

func (s *PrometheusSink) finishCycle(evt progress.Event, label string) {
	s.cyclesCompleted.WithLabelValues(label).Inc()
	if evt.Dur > 0 {
		s.cycleRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.CycleID) {
		s.cyclesRunning.Dec()
	}
}

func (s *PrometheusSink) observeTarget(evt progress.Event) {
	if evt.Dur > 0 {
		s.targetDuration.Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type cycleTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{running: make(map[[16]byte]struct{})}
}

func (t *cycleTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *cycleTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
