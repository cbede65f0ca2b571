package server

import (
	"context"
	"time"

	httpapi "wormy/broker/internal/http"
	"wormy/broker/internal/input"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/timesync"
)

// Status is the published view of the match served on /status. It is
// replaced wholesale after every change so readers never block the owner.
type Status struct {
	MatchID    string             `json:"match_id"`
	Level      int                `json:"level"`
	Frame      int                `json:"frame"`
	Start      time.Time          `json:"start"`
	IntervalMS float64            `json:"interval_ms"`
	Clients    int                `json:"clients"`
	Players    []protocol.Player  `json:"players"`
	Active     int                `json:"active"`
	Alive      int                `json:"alive"`
	Food       int                `json:"food"`
	EndGoal    int                `json:"end_goal"`
	Ticks      float64            `json:"fps"`
	Drops      input.DropCounters `json:"drops"`
}

func (a *Authority) publish() {
	state := a.buf.State()
	active := 0
	for _, w := range state.Worms {
		if !w.Free() {
			active++
		}
	}
	a.status.Store(&Status{
		MatchID:    a.session.ID(),
		Level:      a.level,
		Frame:      a.buf.Frame(),
		Start:      a.fclock.Start(),
		IntervalMS: ms(a.fclock.Interval()),
		Clients:    a.clients.Len(),
		Players:    a.players(),
		Active:     active,
		Alive:      state.AliveCount(),
		Food:       len(state.Food),
		EndGoal:    state.EndGoal(),
		Ticks:      a.monitor.Snapshot().AverageFPS(),
		Drops:      a.gate.Totals(),
	})
}

// Status returns the last published view.
func (a *Authority) Status() *Status {
	if st := a.status.Load(); st != nil {
		return st
	}
	return &Status{}
}

// Stats feeds the metrics endpoint.
func (a *Authority) Stats() httpapi.GameStats {
	st := a.Status()
	return httpapi.GameStats{
		Level:     st.Level,
		Frame:     st.Frame,
		Players:   len(st.Players),
		Alive:     st.Alive,
		Food:      st.Food,
		EndGoal:   st.EndGoal,
		Levels:    a.levelsLoaded.Load(),
		Resyncs:   a.resyncs.Load(),
		Broadcast: a.broadcasts.Load(),
	}
}

// TimeSample implements timesync.Source. The frame is extrapolated from the
// published start so streams never wait on the simulation goroutine.
func (a *Authority) TimeSample() timesync.Sample {
	st := a.Status()
	now := a.clock.Now()
	interval := time.Duration(st.IntervalMS * float64(time.Millisecond))
	frame := st.Frame
	if interval > 0 && !st.Start.IsZero() {
		frame = max(frame, int(now.Sub(st.Start)/interval))
	}
	return timesync.Sample{Start: st.Start, Now: now, Interval: interval, Frame: frame}
}

// Clients implements the readiness contract.
func (a *Authority) Clients() int { return a.Status().Clients }

// Uptime reports how long ago the authority was built.
func (a *Authority) Uptime() time.Duration { return a.clock.Now().Sub(a.started) }

// StartupError is nil while Run is active.
func (a *Authority) StartupError() error {
	if !a.running.Load() {
		return ErrNotRunning
	}
	select {
	case <-a.stopped:
		return ErrNotRunning
	default:
		return nil
	}
}

// Drops returns the lifetime drop counters of the inbound gate.
func (a *Authority) Drops() input.DropCounters { return a.gate.Totals() }

// DumpReplay flushes the live bundle and returns its directory.
func (a *Authority) DumpReplay(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := a.replay.Flush(); err != nil {
		return "", err
	}
	return a.replay.Directory(), nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

var (
	_ httpapi.ReadinessProvider = (*Authority)(nil)
	_ httpapi.ReplayDumper      = (*Authority)(nil)
	_ timesync.Source           = (*Authority)(nil)
)
