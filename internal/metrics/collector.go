// Package metrics provides in-memory timing statistics for the pipeline
// stages. Counters live in the orchestrator process and reset on restart;
// durable per-message timings are in the index database.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Stage names for the collector.
const (
	StageFetch     = "fetch"
	StageArchive   = "archive"
	StageLocalize  = "localize"
	StageSummarize = "summarize"
	StageExport    = "export"
	StageMarkSeen  = "mark_seen"
)

// StageMetrics holds aggregated metrics for a single pipeline stage.
type StageMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// StageSnapshot provides computed stats from raw metrics.
type StageSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot is the full picture at a point in time, keyed by stage name.
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Stages        map[string]*StageSnapshot `json:"stages"`
}

// Collector aggregates in-memory stage statistics. All methods are safe for
// concurrent use.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	stages    map[string]*StageMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		stages:    make(map[string]*StageMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for a stage.
// Caller must hold the write lock.
func (c *Collector) getOrCreate(stage string) *StageMetrics {
	m, ok := c.stages[stage]
	if !ok {
		m = &StageMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.stages[stage] = m
	}
	return m
}

// RecordTiming records one successful run of a stage.
func (c *Collector) RecordTiming(stage string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(stage)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordError counts a failed run of a stage.
func (c *Collector) RecordError(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(stage).Errors++
}

// Timed runs fn and records its duration under stage, counting an error if
// fn fails.
func (c *Collector) Timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		c.RecordError(stage)
		return err
	}
	c.RecordTiming(stage, time.Since(start))
	return nil
}

func snapshotStage(m *StageMetrics) *StageSnapshot {
	if m == nil || (m.Count == 0 && m.Errors == 0) {
		return nil
	}

	snap := &StageSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
	}
	if m.Count > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		snap.MinTimeMs = m.MinTime.Milliseconds()
		snap.MaxTimeMs = m.MaxTime.Milliseconds()
	}
	return snap
}

// Snapshot returns a point-in-time copy of all stage metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Stages:        make(map[string]*StageSnapshot, len(c.stages)),
	}
	for name, m := range c.stages {
		if snap := snapshotStage(m); snap != nil {
			out.Stages[name] = snap
		}
	}
	return out
}
