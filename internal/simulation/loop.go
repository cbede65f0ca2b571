package simulation

import (
	"context"
	"sync"
	"time"
)

// StepFunc steps the simulation up to the frame due at now and returns how
// long to wait before the next invocation.
type StepFunc func(now time.Time) time.Duration

// Loop re-invokes a StepFunc on a Clock. Each invocation catches up on every
// frame that fell due, so stalls self-correct without burst multipliers.
type Loop struct {
	clock    Clock
	stepFunc StepFunc
	monitor  *TickMonitor

	mu      sync.Mutex
	timer   Timer
	running bool
	release func() bool
}

// NewLoop configures a loop on clock. monitor may be nil.
func NewLoop(clock Clock, step StepFunc, monitor *TickMonitor) *Loop {
	if clock == nil {
		clock = SystemClock{}
	}
	if step == nil {
		step = func(time.Time) time.Duration { return time.Second }
	}
	return &Loop{clock: clock, stepFunc: step, monitor: monitor}
}

// Start schedules the first step immediately. The loop stops when ctx is
// cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.timer = l.clock.AfterFunc(0, l.fire)
	l.release = context.AfterFunc(ctx, l.Stop)
}

// Stop cancels the pending invocation. A step already running completes.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

// Running reports whether the loop is scheduled.
func (l *Loop) Running() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) fire() {
	if !l.Running() {
		return
	}
	//1.- Step everything that is due and time the work.
	started := l.clock.Now()
	wait := l.stepFunc(started)
	l.monitor.Observe(l.clock.Now().Sub(started))
	if wait < 0 {
		wait = 0
	}
	//2.- Reschedule unless Stop raced with the step.
	l.mu.Lock()
	if l.running {
		l.timer = l.clock.AfterFunc(wait, l.fire)
	}
	l.mu.Unlock()
}
