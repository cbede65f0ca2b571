package simulation

import (
	"math"
	"testing"
	"time"
)

func TestFrameClockTarget(t *testing.T) {
	c := NewFrameClock(epoch, 85*time.Millisecond)
	if got := c.Target(epoch.Add(-time.Second)); got != 0 {
		t.Fatalf("expected target clamped to 0, got %d", got)
	}
	if got := c.Target(epoch.Add(849 * time.Millisecond)); got != 9 {
		t.Fatalf("expected frame 9, got %d", got)
	}
	if got := c.NextTimeout(9, epoch.Add(849*time.Millisecond)); got != time.Millisecond {
		t.Fatalf("expected 1ms until frame 10, got %v", got)
	}
	if got := c.NextTimeout(3, epoch.Add(time.Second)); got != 0 {
		t.Fatalf("expected overdue timeout 0, got %v", got)
	}
}

func TestFrameClockSetIntervalKeepsFrame(t *testing.T) {
	c := NewFrameClock(epoch, 100*time.Millisecond)
	now := epoch.Add(2 * time.Second)
	c.SetInterval(80*time.Millisecond, 20, now)
	if got := c.Target(now); got != 20 {
		t.Fatalf("expected frame 20 after re-anchor, got %d", got)
	}
	if got := c.Target(now.Add(160 * time.Millisecond)); got != 22 {
		t.Fatalf("expected faster frames after change, got %d", got)
	}
}

func TestFrameClockPartialFrame(t *testing.T) {
	c := NewFrameClock(epoch, 100*time.Millisecond)
	if got := c.PartialFrame(4, epoch); got != 4 {
		t.Fatalf("expected whole frame before any step, got %v", got)
	}
	c.MarkStep(epoch)
	if got := c.PartialFrame(4, epoch.Add(25*time.Millisecond)); math.Abs(got-4.25) > 1e-9 {
		t.Fatalf("expected 4.25, got %v", got)
	}
	if got := c.PartialFrame(4, epoch.Add(time.Second)); got != 5 {
		t.Fatalf("expected partial frame capped at 5, got %v", got)
	}
}

func TestRateAdapterClampsAdjustment(t *testing.T) {
	target := 85 * time.Millisecond
	r := NewRateAdapter(target, 0)
	if _, _, ok := r.Sync(target, 100, 100); ok {
		t.Fatal("expected first sync to only record a reference")
	}
	//1.- We ran far slower than the server: the interval shrinks but not below 75%.
	next, info, ok := r.Sync(target, 200, 150)
	if !ok {
		t.Fatal("expected adaptation on second sync")
	}
	if next != time.Duration(0.75*float64(target)) {
		t.Fatalf("expected clamp to 75%%, got %v", next)
	}
	if info.SkewPercent != -50 || info.NewSpeed <= info.OldSpeed {
		t.Fatalf("unexpected sync info %+v", info)
	}
}

func TestRateAdapterConvergesWhenInStep(t *testing.T) {
	target := 85 * time.Millisecond
	r := NewRateAdapter(target, DefaultRateDamping)
	r.Sync(target, 100, 100)
	next, _, ok := r.Sync(target, 150, 150)
	if !ok {
		t.Fatal("expected adaptation")
	}
	if next != target {
		t.Fatalf("expected unchanged interval when in step, got %v", next)
	}
	r.Reset()
	if _, _, ok := r.Sync(target, 10, 10); ok {
		t.Fatal("expected reset to drop the reference point")
	}
}

func TestManualClockFiresInOrder(t *testing.T) {
	c := NewManualClock(epoch)
	var order []int
	c.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	c.AfterFunc(10*time.Millisecond, func() {
		order = append(order, 1)
		c.AfterFunc(5*time.Millisecond, func() { order = append(order, 15) })
	})
	stopped := c.AfterFunc(15*time.Millisecond, func() { order = append(order, 99) })
	if !stopped.Stop() {
		t.Fatal("expected pending timer to stop")
	}
	c.Advance(30 * time.Millisecond)
	if len(order) != 3 || order[0] != 1 || order[1] != 15 || order[2] != 2 {
		t.Fatalf("unexpected firing order %v", order)
	}
	if !c.Now().Equal(epoch.Add(30 * time.Millisecond)) {
		t.Fatalf("unexpected clock time %v", c.Now())
	}
}
