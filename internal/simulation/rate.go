package simulation

import (
	"math"
	"time"
)

// DefaultRateDamping is the share of each measured correction applied per sync.
const DefaultRateDamping = 0.8

// SyncInfo describes one rate adaptation for lag reports.
type SyncInfo struct {
	OffsetMS    float64
	SkewPercent float64
	OldSpeed    float64
	NewSpeed    float64
}

// RateAdapter nudges the local interval so the local frame converges on the
// server frame by the next sync.
type RateAdapter struct {
	target  time.Duration
	damping float64
	last    *syncPoint
}

type syncPoint struct {
	server float64
	local  float64
}

// NewRateAdapter builds an adapter around the target interval.
func NewRateAdapter(target time.Duration, damping float64) *RateAdapter {
	if damping <= 0 || damping > 1 {
		damping = DefaultRateDamping
	}
	return &RateAdapter{target: target, damping: damping}
}

func adjust(factor, proportion float64) float64 {
	return (factor-1)*proportion + 1
}

// Target is the interval the adapter steers around.
func (r *RateAdapter) Target() time.Duration { return r.target }

// Reset forgets the previous sync point, as after a load.
func (r *RateAdapter) Reset() { r.last = nil }

// Sync compares the server frame estimate with the local partial frame and
// returns the interval to use next. ok is false on the first sample, which
// only records a reference point.
func (r *RateAdapter) Sync(current time.Duration, serverFrame, localFrame float64) (next time.Duration, info SyncInfo, ok bool) {
	prev := r.last
	r.last = &syncPoint{server: serverFrame, local: localFrame}
	if prev == nil {
		return current, SyncInfo{}, false
	}
	actual := localFrame - prev.local
	expected := serverFrame - prev.server
	if expected <= 0 || actual <= 0 {
		return current, SyncInfo{}, false
	}
	//1.- Match our rate to the server's, then bend it to close the gap by the next sync.
	skew := adjust(actual/expected, r.damping)
	remaining := serverFrame + expected - localFrame
	offset := 1.0
	if remaining > 0 {
		offset = adjust(expected/remaining, r.damping)
	}
	proposed := float64(current) * skew * offset
	//2.- Keep within the allowed band around the target interval.
	proposed = math.Max(proposed, MinIntervalFactor*float64(r.target))
	proposed = math.Min(proposed, MaxIntervalFactor*float64(r.target))
	next = time.Duration(proposed)

	targetMS := float64(r.target) / float64(time.Millisecond)
	info = SyncInfo{
		OffsetMS:    round((localFrame-serverFrame)*targetMS, 100),
		SkewPercent: round((actual-expected)/expected*100, 100),
		OldSpeed:    round(((float64(r.target)-float64(current))/float64(r.target)+1)*100, 100),
		NewSpeed:    round(((float64(r.target)-proposed)/float64(r.target)+1)*100, 100),
	}
	return next, info, true
}

func round(v, scale float64) float64 {
	return math.Round(v*scale) / scale
}
