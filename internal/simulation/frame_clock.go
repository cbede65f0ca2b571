package simulation

import (
	"math"
	"time"
)

// Bounds on how far rate adaptation may stretch the interval.
const (
	MinIntervalFactor = 0.75
	MaxIntervalFactor = 1.25
)

// FrameClock maps wall time onto frame numbers.
type FrameClock struct {
	start    time.Time
	interval time.Duration
	lastStep time.Time
}

// NewFrameClock anchors frame zero at start.
func NewFrameClock(start time.Time, interval time.Duration) *FrameClock {
	if interval <= 0 {
		interval = time.Second / 12
	}
	return &FrameClock{start: start, interval: interval}
}

// Start is the wall time of frame zero.
func (c *FrameClock) Start() time.Time { return c.start }

// Interval is the current frame duration.
func (c *FrameClock) Interval() time.Duration { return c.interval }

// SetStart moves the anchor of frame zero.
func (c *FrameClock) SetStart(start time.Time) {
	c.start = start
	c.lastStep = time.Time{}
}

// Target is the frame that should be current at now, never negative.
func (c *FrameClock) Target(now time.Time) int {
	elapsed := now.Sub(c.start)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / c.interval)
}

// NextTimeout is the wait until frame+1 falls due.
func (c *FrameClock) NextTimeout(frame int, now time.Time) time.Duration {
	due := c.start.Add(time.Duration(frame+1) * c.interval)
	if wait := due.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Reanchor keeps frame current at now under the present interval.
func (c *FrameClock) Reanchor(frame int, now time.Time) {
	c.start = now.Add(-time.Duration(frame) * c.interval)
}

// SetInterval changes the frame duration and re-anchors so frame stays current.
func (c *FrameClock) SetInterval(interval time.Duration, frame int, now time.Time) {
	if interval <= 0 || interval == c.interval {
		return
	}
	c.interval = interval
	c.Reanchor(frame, now)
}

// MarkStep records the time of the latest step.
func (c *FrameClock) MarkStep(now time.Time) { c.lastStep = now }

// PartialFrame estimates how far past frame the clock is, capped at one frame.
func (c *FrameClock) PartialFrame(frame int, now time.Time) float64 {
	pf := float64(frame)
	if c.lastStep.IsZero() {
		return pf
	}
	return pf + math.Min(1, float64(now.Sub(c.lastStep))/float64(c.interval))
}
