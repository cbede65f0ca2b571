package simulation

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLoopStepsOnManualClock(t *testing.T) {
	clock := NewManualClock(epoch)
	frames := NewFrameClock(epoch, 85*time.Millisecond)
	monitor := NewTickMonitor()
	frame := 0
	loop := NewLoop(clock, func(now time.Time) time.Duration {
		//1.- Catch up on every frame that fell due, then wait for the next one.
		target := frames.Target(now)
		monitor.ObserveFrames(target - frame)
		frame = max(frame, target)
		return frames.NextTimeout(frame, now)
	}, monitor)
	loop.Start(context.Background())
	defer loop.Stop()

	clock.Advance(0)
	clock.Advance(850 * time.Millisecond)
	if frame != 10 {
		t.Fatalf("expected frame 10, got %d", frame)
	}
	snap := monitor.Snapshot()
	if snap.Frames != 10 || snap.Bursts != 0 {
		t.Fatalf("expected ten single-frame steps, got %+v", snap)
	}
}

func TestLoopCatchesUpAfterStall(t *testing.T) {
	clock := NewManualClock(epoch)
	frames := NewFrameClock(epoch, 100*time.Millisecond)
	monitor := NewTickMonitor()
	frame := 0
	step := func(now time.Time) time.Duration {
		target := frames.Target(now)
		monitor.ObserveFrames(target - frame)
		frame = max(frame, target)
		return frames.NextTimeout(frame, now)
	}
	//1.- A stalled process sees a single late wakeup and must step five frames in one go.
	clock.Advance(500 * time.Millisecond)
	step(clock.Now())
	if frame != 5 {
		t.Fatalf("expected catch-up to frame 5, got %d", frame)
	}
	if snap := monitor.Snapshot(); snap.MaxBurst != 5 || snap.Bursts != 1 {
		t.Fatalf("expected one burst of five, got %+v", snap)
	}
}

func TestLoopStopCancelsPendingTimer(t *testing.T) {
	clock := NewManualClock(epoch)
	calls := 0
	loop := NewLoop(clock, func(time.Time) time.Duration {
		calls++
		return 10 * time.Millisecond
	}, nil)
	loop.Start(context.Background())
	clock.Advance(25 * time.Millisecond)
	loop.Stop()
	clock.Advance(time.Second)
	if calls != 3 {
		t.Fatalf("expected three calls before stop, got %d", calls)
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestLoopStopsWhenContextCancelled(t *testing.T) {
	clock := NewManualClock(epoch)
	loop := NewLoop(clock, func(time.Time) time.Duration { return time.Millisecond }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	cancel()
	deadline := time.Now().Add(time.Second)
	for loop.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if loop.Running() {
		t.Fatal("expected loop to stop after cancellation")
	}
}

func TestLoopRunsOnSystemClock(t *testing.T) {
	ticks := make(chan struct{}, 16)
	loop := NewLoop(nil, func(time.Time) time.Duration {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return 5 * time.Millisecond
	}, nil)
	loop.Start(context.Background())
	defer loop.Stop()
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("expected loop to tick at least once")
	}
}
