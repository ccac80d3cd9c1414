package coordinator

import (
	"sync"
	"time"
)

// Phases reported to Metrics.
const (
	PhasePush  = "push"
	PhasePull  = "pull"
	PhaseCycle = "cycle"
)

// Metrics receives cycle measurements. Implementations must be safe for
// concurrent use; calls happen on the sync path and should not block.
type Metrics interface {
	// RecordCycleDuration records how long one phase took.
	RecordCycleDuration(phase string, d time.Duration)
	// RecordOperations records operations acknowledged by the remote and
	// operations pulled from it.
	RecordOperations(pushed, pulled int)
	// RecordErrors records one failure of phase with its error code.
	RecordErrors(phase, code string)
	// RecordConflicts records merged concurrent edits and those left for a
	// manual decision.
	RecordConflicts(merged, deferred int)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordCycleDuration(string, time.Duration) {}
func (NoopMetrics) RecordOperations(int, int)                 {}
func (NoopMetrics) RecordErrors(string, string)               {}
func (NoopMetrics) RecordConflicts(int, int)                  {}

// CounterMetrics keeps running totals in memory. The daemon serves them
// with the status snapshot.
type CounterMetrics struct {
	mu        sync.Mutex
	pushed    int
	pulled    int
	merged    int
	deferred  int
	errors    map[string]int
	durations map[string]time.Duration
	counts    map[string]int
}

// NewCounterMetrics returns an empty collector.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{
		errors:    make(map[string]int),
		durations: make(map[string]time.Duration),
		counts:    make(map[string]int),
	}
}

func (m *CounterMetrics) RecordCycleDuration(phase string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[phase] += d
	m.counts[phase]++
}

func (m *CounterMetrics) RecordOperations(pushed, pulled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed += pushed
	m.pulled += pulled
}

func (m *CounterMetrics) RecordErrors(phase, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[phase+":"+code]++
}

func (m *CounterMetrics) RecordConflicts(merged, deferred int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merged += merged
	m.deferred += deferred
}

// MetricsSnapshot is a point-in-time copy of CounterMetrics.
type MetricsSnapshot struct {
	Pushed   int `json:"pushed"`
	Pulled   int `json:"pulled"`
	Merged   int `json:"merged"`
	Deferred int `json:"deferred"`
	// Errors counts failures by "phase:code".
	Errors map[string]int `json:"errors,omitempty"`
	// MeanDuration is the average duration of each phase.
	MeanDuration map[string]time.Duration `json:"mean_duration,omitempty"`
}

// Snapshot copies the totals.
func (m *CounterMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		Pushed:       m.pushed,
		Pulled:       m.pulled,
		Merged:       m.merged,
		Deferred:     m.deferred,
		Errors:       make(map[string]int, len(m.errors)),
		MeanDuration: make(map[string]time.Duration, len(m.durations)),
	}
	for k, v := range m.errors {
		s.Errors[k] = v
	}
	for phase, total := range m.durations {
		s.MeanDuration[phase] = total / time.Duration(m.counts[phase])
	}
	return s
}
