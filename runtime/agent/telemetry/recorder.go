package telemetry

import (
	"strings"
	"sync"
	"time"
)

// Recorder is an in-memory Metrics that keeps counter totals and the number
// of timer samples per metric name. It is meant for tests and for the CLI
// summary.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]int
	gauges   map[string]float64
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]float64),
		timers:   make(map[string]int),
		gauges:   make(map[string]float64),
	}
}

// IncCounter implements Metrics.
func (r *Recorder) IncCounter(name string, value float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
	if len(tags) > 0 {
		r.counters[seriesKey(name, tags)] += value
	}
}

// RecordTimer implements Metrics.
func (r *Recorder) RecordTimer(name string, _ time.Duration, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[name]++
}

// RecordGauge implements Metrics.
func (r *Recorder) RecordGauge(name string, value float64, _ ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Counter returns the total of the named counter. Passing tags selects the
// series recorded with exactly those tags.
func (r *Recorder) Counter(name string, tags ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(tags) > 0 {
		return r.counters[seriesKey(name, tags)]
	}
	return r.counters[name]
}

// Timings returns how many samples were recorded for the named timer.
func (r *Recorder) Timings(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers[name]
}

// Gauge returns the last value recorded for the named gauge.
func (r *Recorder) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

func seriesKey(name string, tags []string) string {
	return name + "{" + strings.Join(tags, ",") + "}"
}
