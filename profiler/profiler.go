// Package profiler - per-stage timing and metric tracking for head passes.
package profiler

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/elliotchance/orderedmap/v2"
)

// Stage names recorded by the GFL head.
const (
	StageTargets   = "targets"
	StageLevelLoss = "level_loss"
	StageReduce    = "reduce"
	StageDecode    = "decode"
	StageForward   = "forward"
)

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// Average returns the mean duration of the tracked operation.
func (t TimeTracker) Average() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.TotalTime / time.Duration(t.Count)
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Last  float64
}

// Stages records how long each stage of a pass takes, plus custom metrics.
// It is safe for concurrent use; stages run on several goroutines record into
// the same tracker.
type Stages struct {
	mu      sync.Mutex
	times   *orderedmap.OrderedMap[string, *TimeTracker]
	metrics *orderedmap.OrderedMap[string, *MetricTracker]
}

// NewStages creates an empty profiler.
func NewStages() *Stages {
	return &Stages{
		times:   orderedmap.NewOrderedMap[string, *TimeTracker](),
		metrics: orderedmap.NewOrderedMap[string, *MetricTracker](),
	}
}

// StartOperation starts timing name and returns the function that stops it.
//
// @example
// done := stages.StartOperation(profiler.StageDecode)
// defer done()
func (s *Stages) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		s.recordOperationTime(name, time.Since(start))
	}
}

func (s *Stages) recordOperationTime(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, ok := s.times.Get(name)
	if !ok {
		tracker = &TimeTracker{MinTime: d, MaxTime: d}
		s.times.Set(name, tracker)
	}
	tracker.Count++
	tracker.TotalTime += d
	tracker.MinTime = min(tracker.MinTime, d)
	tracker.MaxTime = max(tracker.MaxTime, d)
}

// RecordMetric adds a sample of a custom metric.
func (s *Stages) RecordMetric(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, ok := s.metrics.Get(name)
	if !ok {
		tracker = &MetricTracker{Min: value, Max: value}
		s.metrics.Set(name, tracker)
	}
	tracker.Count++
	tracker.Sum += value
	tracker.Last = value
	tracker.Min = min(tracker.Min, value)
	tracker.Max = max(tracker.Max, value)
}

// Snapshot returns copies of the stage timings and metrics in first-seen
// order.
func (s *Stages) Snapshot() (*orderedmap.OrderedMap[string, TimeTracker], *orderedmap.OrderedMap[string, MetricTracker]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	times := orderedmap.NewOrderedMap[string, TimeTracker]()
	for el := s.times.Front(); el != nil; el = el.Next() {
		times.Set(el.Key, *el.Value)
	}
	metrics := orderedmap.NewOrderedMap[string, MetricTracker]()
	for el := s.metrics.Front(); el != nil; el = el.Next() {
		metrics.Set(el.Key, *el.Value)
	}
	return times, metrics
}

// Report writes the snapshot to log.
func (s *Stages) Report(log logs.Log) {
	times, metrics := s.Snapshot()
	for el := times.Front(); el != nil; el = el.Next() {
		t := el.Value
		log.Infof("stage %-12s n=%-4d avg=%v min=%v max=%v", el.Key, t.Count, t.Average(), t.MinTime, t.MaxTime)
	}
	for el := metrics.Front(); el != nil; el = el.Next() {
		m := el.Value
		log.Infof("metric %-20s n=%-4d last=%.4f avg=%.4f min=%.4f max=%.4f", el.Key, m.Count, m.Last, m.Sum/float64(m.Count), m.Min, m.Max)
	}
}
