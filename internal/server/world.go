package server

import (
	"errors"
	"time"

	"wormy/broker/internal/logging"
	"wormy/broker/internal/match"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/replay"
	"wormy/broker/internal/sim"
)

// step advances to the frame due at now and returns the wait until the next.
func (a *Authority) step(now time.Time) time.Duration {
	stepped := 0
	for a.buf.Frame() < a.fclock.Target(now) {
		a.buf.Advance()
		stepped++
		a.afterFrame(now)
	}
	if stepped > 0 {
		a.fclock.MarkStep(now)
		a.monitor.ObserveFrames(stepped)
	}
	a.flushStale()
	return a.fclock.NextTimeout(a.buf.Frame(), now)
}

// afterFrame runs the scheduled world events of the frame just reached.
func (a *Authority) afterFrame(now time.Time) {
	if len(a.winners) > 0 && a.resolveWin(now) {
		return
	}
	frame := a.buf.Frame()
	if frame%a.game.FoodEvery == 0 && a.foodCount < a.maxFood() {
		a.spawnFood()
	}
	if frame%a.game.SweepEvery == 0 {
		a.sweepIdle()
	}
}

// maxFood keeps food density roughly constant as players come and go.
func (a *Authority) maxFood() int {
	switch alive := a.buf.State().AliveCount(); {
	case alive <= 2:
		return 1
	case alive <= 5:
		return 2
	default:
		return 3
	}
}

func (a *Authority) spawnFood() {
	loc, err := a.flow.FindRun(a.buf.State().Grid, match.FoodRun)
	if err != nil {
		a.logger.Debug("no room for food", logging.Int("frame", a.buf.Frame()))
		return
	}
	a.foodCount++
	a.deliverDelayed(sim.SpawnFood(loc.Y, loc.X, a.flow.RollPower()))
}

// resolveWin loads the next level when a worm that just ate reached the goal.
func (a *Authority) resolveWin(now time.Time) bool {
	winners := a.winners
	a.winners = nil
	base := a.buf.Base()
	goal := base.EndGoal()
	for _, slot := range winners {
		w := base.Worm(slot)
		if w == nil || len(w.Tail) < goal {
			continue
		}
		a.logger.Info("level won", logging.Int("slot", slot), logging.Int("length", len(w.Tail)), logging.Int("level", a.level))
		a.recordEvent(replay.EventWin, map[string]int{"slot": slot, "length": len(w.Tail), "level": a.level})
		a.loadLevel(a.level+1, now)
		return true
	}
	return false
}

// sweepIdle retires worms that stayed dead and fully decayed for longer than
// the idle threshold, and any dead worm nobody controls.
func (a *Authority) sweepIdle() {
	state := a.buf.State()
	frame := a.buf.Frame()
	accounted := make(map[int]bool)
	for el := a.clients.Front(); el != nil; el = el.Next() {
		c := el.Value
		for local, slot := range c.worms {
			if slot < 0 {
				continue
			}
			accounted[slot] = true
			w := state.Worm(slot)
			since, idle := a.idle[slot]
			switch {
			case idle && w != nil && w.Status == sim.Alive:
				delete(a.idle, slot)
			case idle && frame-since > a.game.IdleFrames:
				//1.- Revoke the local index, announce the quit and retire the worm.
				c.worms[local] = -1
				c.names[local] = ""
				a.session.Unbind(slot)
				a.send(c.peer, control(-1, local))
				a.cast(protocol.Cast{Kind: protocol.CastQuit, Slot: slot})
				a.deliverDelayed(sim.Disconnect(slot))
				delete(a.idle, slot)
				a.logger.Info("idle worm disconnected", logging.String("client_id", c.peer.ID()), logging.Int("slot", slot))
			case !idle && w != nil && w.Status != sim.Alive && len(w.Tail) == 0:
				a.idle[slot] = frame
			}
		}
	}
	for slot, w := range state.Worms {
		if accounted[slot] || w == nil || w.Status != sim.Dead {
			continue
		}
		a.logger.Warn("dead worm has no owner", logging.Int("slot", slot))
		a.deliverDelayed(sim.Disconnect(slot))
	}
}

// loadLevel restarts the match on levelID at frame zero. Every worm loses
// its tail, living worms die and every client receives a fresh load.
func (a *Authority) loadLevel(levelID int, now time.Time) {
	grid := a.levels.Level(levelID)
	if grid == nil {
		a.logger.Error("level unavailable", logging.Int("level", levelID))
		return
	}
	state := a.buf.State().Clone()
	state.ResetForLevel(levelID, grid)
	//1.- Slots whose spawn had not landed yet become revivable placeholders.
	for _, p := range a.players() {
		for len(state.Worms) <= p.Slot {
			state.Worms = append(state.Worms, nil)
		}
		if state.Worms[p.Slot] == nil {
			state.Worms[p.Slot] = &sim.Worm{Status: sim.Dead, Name: p.Name}
		}
	}
	a.level = levelID
	a.foodCount = 0
	a.winners = nil
	clear(a.idle)
	a.buf.Reset(state, nil)
	a.fclock.SetStart(now)
	a.flow.ResetCooldowns()
	a.levelsLoaded.Add(1)

	//2.- Record the new epoch before any of its frames fold.
	if a.replay != nil {
		if err := a.replay.BeginLevel(levelID, state); err != nil && !errors.Is(err, replay.ErrWriterClosed) {
			a.logger.Warn("replay level boundary dropped", logging.Error(err))
		}
	}
	if a.events != nil {
		if _, err := a.events.PublishLevel(levelID, state.Compact()); err != nil {
			a.logger.Debug("level event dropped", logging.Error(err))
		}
	}
	for el := a.clients.Front(); el != nil; el = el.Next() {
		el.Value.stale = false
		a.resync(el.Value.peer)
	}
	a.spawnFood()
	a.logger.Info("level loaded", logging.Int("level", levelID), logging.Int("clients", a.clients.Len()))
}
