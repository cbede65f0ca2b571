package client

import (
	"errors"
	"math"
	"math/rand"

	"wormy/broker/internal/level"
	"wormy/broker/internal/sim"
)

// reviveEvery spaces revive requests while the server decides.
const reviveEvery = 10

// Bot plays one local index greedily: it heads for the nearest food and
// never steps into an occupied cell when a free one exists.
type Bot struct {
	p     *Predictor
	local int
	name  string
	rng   *rand.Rand

	joined     bool
	lastFrame  int
	lastRevive int
}

// NewBot drives local on p.
func NewBot(p *Predictor, local int, name string, seed int64) *Bot {
	return &Bot{p: p, local: local, name: name, rng: rand.New(rand.NewSource(seed)), lastFrame: -1, lastRevive: -reviveEvery}
}

type botAction int

const (
	botIdle botAction = iota
	botJoin
	botRevive
	botTurn
	botBoost
)

// Act issues at most one command for the current frame.
func (b *Bot) Act() error {
	action, dir := botIdle, sim.Up
	b.p.Inspect(func(v View) { action, dir = b.decide(v) })
	var err error
	switch action {
	case botJoin:
		b.joined = true
		err = b.p.Join(b.local, b.name)
	case botRevive:
		err = b.p.Revive(b.local)
	case botTurn:
		err = b.p.Direction(b.local, dir)
	case botBoost:
		err = b.p.Power(b.local, true)
	}
	if errors.Is(err, ErrReverse) || errors.Is(err, ErrNoWorm) {
		return nil
	}
	return err
}

func (b *Bot) decide(v View) (botAction, sim.Direction) {
	if v.State == nil || v.Frame == b.lastFrame {
		return botIdle, 0
	}
	b.lastFrame = v.Frame
	slot := -1
	if b.local < len(v.Slots) {
		slot = v.Slots[b.local]
	}
	if slot < 0 {
		if b.joined {
			return botIdle, 0
		}
		return botJoin, 0
	}
	w := v.State.Worm(slot)
	if w == nil {
		return botIdle, 0
	}
	if w.Status == sim.Dead && len(w.Tail) == 0 {
		if v.Frame-b.lastRevive < reviveEvery {
			return botIdle, 0
		}
		b.lastRevive = v.Frame
		return botRevive, 0
	}
	if w.Status != sim.Alive || len(w.Tail) == 0 {
		return botIdle, 0
	}
	if w.Power == sim.PowerSpeed && !w.Using && w.Energy >= 1 {
		return botBoost, 0
	}
	best := b.choose(v.State, w)
	if best == w.Tail[0].Dir {
		return botIdle, 0
	}
	return botTurn, best
}

func (b *Bot) choose(s *sim.State, w *sim.Worm) sim.Direction {
	head := w.Tail[0]
	layer := level.Surface
	if sim.PowerActive(w, sim.PowerBurrow) {
		layer = level.Underground
	}
	best, bestScore := head.Dir, math.Inf(-1)
	for d := sim.Up; d <= sim.Left; d++ {
		if len(w.Tail) > 1 && d.Reverse() == w.Tail[1].Dir {
			continue
		}
		v := sim.Vectors[d]
		y, x := s.Grid.Wrap(head.Y+v[0], head.X+v[1])
		tag := s.Grid.At(y, x, layer)
		if tag != level.Empty && tag != level.Food {
			continue
		}
		//1.- Closer food wins; keeping the heading breaks ties, then chance.
		score := -float64(nearestFood(s, y, x))
		if d == head.Dir {
			score += 0.5
		}
		score += b.rng.Float64() * 0.1
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func nearestFood(s *sim.State, y, x int) int {
	best := s.Grid.W + s.Grid.H
	for _, f := range s.Food {
		best = min(best, wrapDistance(f.Y, y, s.Grid.H)+wrapDistance(f.X, x, s.Grid.W))
	}
	return best
}

func wrapDistance(a, b, size int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	return min(d, size-d)
}
