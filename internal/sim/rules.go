package sim

import (
	"wormy/broker/internal/level"
	"wormy/broker/internal/logging"
)

// DefaultMoveInterval is the number of frames between worm moves.
const DefaultMoveInterval = 2

// Hooks receives side effects of a step. They fire only while final frames
// are applied so a prediction never triggers them.
type Hooks interface {
	// FoodEaten reports a consumed food item. Slot is -1 when a spawn landed
	// on an occupied cell and the food must be replaced.
	FoodEaten(slot int)
	// Disconnected reports that the worm in slot was retired.
	Disconnected(slot int)
}

// NopHooks ignores every notification.
type NopHooks struct{}

func (NopHooks) FoodEaten(int)    {}
func (NopHooks) Disconnected(int) {}

// Rules advances a State one frame at a time.
type Rules struct {
	MoveInterval int
	Hooks        Hooks
	Logger       *logging.Logger
}

// NewRules returns rules with the given move interval and hooks.
func NewRules(moveInterval int, hooks Hooks, logger *logging.Logger) *Rules {
	if moveInterval < 1 {
		moveInterval = DefaultMoveInterval
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Rules{MoveInterval: moveInterval, Hooks: hooks, Logger: logger}
}

// Step applies cmds to s and advances it by one frame. Given equal inputs it
// always produces an equal state.
func (r *Rules) Step(s *State, cmds []Command, final bool) {
	for _, cmd := range cmds {
		r.apply(s, cmd, final)
	}
	n := len(s.Worms)
	if n > 0 {
		offset := (s.Frame / r.MoveInterval) % n
		for i := 0; i < n; i++ {
			slot := (i + offset) % n
			if w := s.Worms[slot]; w != nil {
				r.tick(s, slot, w, final)
			}
		}
	}
	s.Frame++
}

// PowerActive reports whether w currently benefits from power p.
func PowerActive(w *Worm, p PowerID) bool {
	return w != nil && w.Power == p && w.Using
}

// EffectiveMoveInterval is the move interval of w, shortened while speed is on.
func (r *Rules) EffectiveMoveInterval(w *Worm) int {
	mi := r.MoveInterval
	if PowerActive(w, PowerSpeed) {
		mi--
	}
	return max(mi, 1)
}

func (r *Rules) apply(s *State, cmd Command, final bool) {
	switch cmd.Kind {
	case CmdMove:
		w := s.Worm(cmd.Slot)
		if w == nil || !cmd.Dir.Valid() {
			return
		}
		if w.Status != Alive || len(w.Tail) == 0 {
			r.Logger.Debug("move for inactive worm ignored", logging.Int("slot", cmd.Slot), logging.Int("frame", s.Frame))
			return
		}
		if len(w.Tail) > 1 && cmd.Dir.Reverse() == w.Tail[1].Dir {
			r.Logger.Debug("reverse move ignored", logging.Int("slot", cmd.Slot), logging.Int("frame", s.Frame))
			return
		}
		w.Tail[0].Dir = cmd.Dir
	case CmdPower:
		w := s.Worm(cmd.Slot)
		if w == nil || w.Status == Disconnected {
			return
		}
		r.switchPower(s, w, cmd.On)
	case CmdAddWorm:
		if cmd.Slot < 0 || cmd.Slot >= MaxSlots || !r.validLoc(s, cmd.Loc) {
			return
		}
		s.ensureSlot(cmd.Slot)
		clearTail(s, s.Worms[cmd.Slot])
		s.Worms[cmd.Slot] = spawn(s, cmd.Slot, *cmd.Loc, cmd.Name)
	case CmdDisconnect:
		w := s.Worm(cmd.Slot)
		if w == nil {
			return
		}
		w.Status = Disconnected
		if final {
			r.Hooks.Disconnected(cmd.Slot)
		}
	case CmdRevive:
		w := s.Worm(cmd.Slot)
		if w == nil || len(w.Tail) != 0 || w.Status != Dead || !r.validLoc(s, cmd.Loc) {
			return
		}
		revived := spawn(s, cmd.Slot, *cmd.Loc, w.Name)
		revived.Using = true
		s.Worms[cmd.Slot] = revived
	case CmdFood:
		f := cmd.Food
		if f == nil || !s.inBounds(f.Y, f.X) || !f.Power.Valid() {
			return
		}
		if s.Grid.At(f.Y, f.X, level.Surface) != level.Empty {
			if final {
				r.Hooks.FoodEaten(-1)
			}
			return
		}
		s.Grid.Set(f.Y, f.X, level.Surface, level.Food)
		s.Food = append(s.Food, *f)
	}
}

func (r *Rules) validLoc(s *State, loc *Segment) bool {
	return loc != nil && s.inBounds(loc.Y, loc.X) && loc.Dir.Valid()
}

func spawn(s *State, slot int, loc Segment, name string) *Worm {
	loc.Layer = level.Surface
	s.Grid.Set(loc.Y, loc.X, level.Surface, level.WormBase+uint8(slot))
	return &Worm{
		Tail:   []Segment{loc},
		MaxLen: TailInitial,
		Status: Alive,
		Name:   name,
	}
}

func clearTail(s *State, w *Worm) {
	if w == nil {
		return
	}
	for _, seg := range w.Tail {
		s.Grid.Set(seg.Y, seg.X, seg.Layer, level.Empty)
	}
	w.Tail = nil
}

func (r *Rules) switchPower(s *State, w *Worm, on bool) {
	if w.Using == on {
		return
	}
	w.Using = false
	if !on || w.Power == PowerNone || !w.Power.Valid() {
		return
	}
	p := Powers[w.Power]
	if w.Energy < p.Activation {
		return
	}
	if w.Power == PowerReverse {
		reverse(s.Grid, w)
	} else {
		w.Using = true
	}
	w.Energy -= p.Activation
}

// reverse swaps head and tail. Segment headings are recomputed from the
// neighbour deltas so they keep pointing towards the new head.
func reverse(g *level.Grid, w *Worm) {
	t := w.Tail
	if len(t) == 0 {
		return
	}
	for j := 0; j < len(t)-1; j++ {
		dy := wrapDelta(t[j+1].Y-t[j].Y, g.H)
		dx := wrapDelta(t[j+1].X-t[j].X, g.W)
		for d, v := range Vectors {
			if v[0] == dy && v[1] == dx {
				t[j].Dir = Direction(d)
				break
			}
		}
	}
	for i, j := 0, len(t)-1; i < j; i, j = i+1, j-1 {
		t[i], t[j] = t[j], t[i]
	}
	t[0].Dir = t[0].Dir.Reverse()
}

func wrapDelta(d, size int) int {
	switch {
	case d > 1:
		return d - size
	case d < -1:
		return d + size
	}
	return d
}

func (r *Rules) tick(s *State, slot int, w *Worm, final bool) {
	updateEnergy(w)
	mi := r.EffectiveMoveInterval(w)
	moves := s.Frame%mi == mi-1 && !PowerActive(w, PowerFreeze)
	if moves && w.Status == Alive && len(w.Tail) > 0 {
		if froze := r.advance(s, slot, w, final); froze {
			return
		}
	}
	if n := len(w.Tail); n > 0 && (w.Status != Alive || n > w.MaxLen) {
		last := w.Tail[n-1]
		s.Grid.Set(last.Y, last.X, last.Layer, level.Empty)
		w.Tail = w.Tail[:n-1]
	}
}

func updateEnergy(w *Worm) {
	if w.Power == PowerNone || !w.Power.Valid() {
		w.Energy = 0
		return
	}
	p := Powers[w.Power]
	if w.Energy <= 0 {
		w.Energy = 0
		w.Using = false
	}
	if w.Using {
		w.Energy = max(0, w.Energy-1/p.Duration)
	} else {
		w.Energy = min(1, w.Energy+1/p.Recharge)
	}
}

// advance moves the head one cell. It reports true when a collision was
// absorbed by the freeze power, in which case the worm stays put this frame.
func (r *Rules) advance(s *State, slot int, w *Worm, final bool) bool {
	head := w.Tail[0]
	v := Vectors[head.Dir]
	y, x := s.Grid.Wrap(head.Y+v[0], head.X+v[1])
	layer := level.Surface
	if PowerActive(w, PowerBurrow) {
		layer = level.Underground
	}
	if s.Grid.At(y, x, layer) == level.Food {
		r.eat(s, slot, w, y, x, final)
	}
	if s.Grid.At(y, x, layer) != level.Empty {
		freeze := Powers[PowerFreeze]
		if w.Power == PowerFreeze && w.Energy > freeze.Activation {
			w.Using = true
			w.Energy -= freeze.Activation
			return true
		}
		w.Status = Dead
		w.MaxLen = 0
		r.Logger.Debug("worm died", logging.Int("slot", slot), logging.Int("frame", s.Frame))
		return false
	}
	w.Tail = append(w.Tail, Segment{})
	copy(w.Tail[1:], w.Tail)
	w.Tail[0] = Segment{Y: y, X: x, Layer: layer, Dir: head.Dir}
	s.Grid.Set(y, x, layer, level.WormBase+uint8(slot))
	return false
}

func (r *Rules) eat(s *State, slot int, w *Worm, y, x int, final bool) {
	s.Grid.Set(y, x, level.Surface, level.Empty)
	w.MaxLen += TailInc
	kept := s.Food[:0]
	for _, f := range s.Food {
		if f.Y != y || f.X != x {
			kept = append(kept, f)
			continue
		}
		if f.Power != PowerNone && f.Power != w.Power {
			w.Energy = 0
			w.Power = f.Power
			w.Using = false
		}
	}
	s.Food = kept
	if final {
		r.Hooks.FoodEaten(slot)
	}
}
