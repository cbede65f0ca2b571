package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises step timing and how many frames each
// invocation had to catch up.
type TickMetricsSnapshot struct {
	Samples  int
	Average  time.Duration
	Max      time.Duration
	Last     time.Duration
	Frames   int64
	Bursts   int64
	MaxBurst int
}

// AverageFPS derives the frames-per-second equivalent of the sampled step duration.
func (s TickMetricsSnapshot) AverageFPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates loop statistics. The zero value is ready to use.
type TickMonitor struct {
	mu       sync.Mutex
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	frames   int64
	bursts   int64
	maxBurst int
}

// NewTickMonitor constructs an empty monitor.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the wall time spent in one step invocation.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	m.samples++
	m.total += duration
	m.max = max(m.max, duration)
	m.last = duration
	m.mu.Unlock()
}

// ObserveFrames records how many frames one invocation stepped. More than
// one means the loop fell behind and caught up.
func (m *TickMonitor) ObserveFrames(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.frames += int64(n)
	if n > 1 {
		m.bursts++
	}
	m.maxBurst = max(m.maxBurst, n)
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := TickMetricsSnapshot{
		Samples:  m.samples,
		Max:      m.max,
		Last:     m.last,
		Frames:   m.frames,
		Bursts:   m.bursts,
		MaxBurst: m.maxBurst,
	}
	if m.samples > 0 {
		snap.Average = m.total / time.Duration(m.samples)
	}
	return snap
}

// Reset clears the statistics, as on a level change.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.frames, m.bursts, m.maxBurst = 0, 0, 0
	m.mu.Unlock()
}
