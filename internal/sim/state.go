// Package sim holds the deterministic worm rules and the state they act on.
package sim

import (
	"wormy/broker/internal/level"
)

const (
	// TailInitial is the max length of a freshly spawned worm.
	TailInitial = 5
	// TailInc is the growth granted per food item.
	TailInc = 8
	// MaxSlots bounds slot indexes so worm tags fit in a grid cell.
	MaxSlots = 256 - int(level.WormBase)
)

// Direction is a compass heading indexing Vectors.
type Direction int

const (
	Up Direction = iota
	Right
	Down
	Left
)

// Vectors maps each Direction to its (dy, dx) step.
var Vectors = [4][2]int{{-1, 0}, {0, 1}, {1, 0}, {0, -1}}

// Valid reports whether d indexes Vectors.
func (d Direction) Valid() bool { return d >= Up && d <= Left }

// Reverse returns the opposite heading.
func (d Direction) Reverse() Direction { return (d + 2) % 4 }

// Segment is one body cell of a worm. Dir is the heading the worm travelled
// when it left this cell, so it points towards the head.
type Segment struct {
	Y     int       `json:"y" msgpack:"y"`
	X     int       `json:"x" msgpack:"x"`
	Layer int       `json:"z" msgpack:"z"`
	Dir   Direction `json:"d" msgpack:"d"`
}

// Status is the lifecycle state of a worm slot.
type Status int

const (
	Alive Status = iota
	Dead
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "disconnected"
	}
}

// Worm is a player entity. Tail[0] is the head.
type Worm struct {
	Tail   []Segment `json:"t" msgpack:"t"`
	MaxLen int       `json:"l" msgpack:"l"`
	Status Status    `json:"s" msgpack:"s"`
	Name   string    `json:"n,omitempty" msgpack:"n,omitempty"`
	Energy float64   `json:"e" msgpack:"e"`
	Power  PowerID   `json:"p" msgpack:"p"`
	Using  bool      `json:"f" msgpack:"f"`
}

// Head returns the head segment, if any.
func (w *Worm) Head() (Segment, bool) {
	if w == nil || len(w.Tail) == 0 {
		return Segment{}, false
	}
	return w.Tail[0], true
}

// Free reports whether the slot may be handed to a new player.
func (w *Worm) Free() bool {
	return w == nil || (w.Status == Disconnected && len(w.Tail) == 0)
}

func (w *Worm) clone() *Worm {
	if w == nil {
		return nil
	}
	c := *w
	c.Tail = append([]Segment(nil), w.Tail...)
	return &c
}

// Food is an edible item on the surface layer.
type Food struct {
	Y     int     `json:"y" msgpack:"y"`
	X     int     `json:"x" msgpack:"x"`
	Power PowerID `json:"p" msgpack:"p"`
}

// State is a complete simulation snapshot. Worms is the slot map: a nil entry
// is a slot that has never been used.
type State struct {
	Level int
	Grid  *level.Grid
	Food  []Food
	Worms []*Worm
	Frame int
}

// NewState returns an empty state on the given level grid.
func NewState(levelID int, grid *level.Grid) *State {
	return &State{Level: levelID, Grid: grid}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := &State{
		Level: s.Level,
		Grid:  s.Grid.Clone(),
		Food:  append([]Food(nil), s.Food...),
		Frame: s.Frame,
	}
	if s.Worms != nil {
		c.Worms = make([]*Worm, len(s.Worms))
		for i, w := range s.Worms {
			c.Worms[i] = w.clone()
		}
	}
	return c
}

// Worm returns the worm in slot or nil.
func (s *State) Worm(slot int) *Worm {
	if s == nil || slot < 0 || slot >= len(s.Worms) {
		return nil
	}
	return s.Worms[slot]
}

// AliveCount counts worms with status Alive.
func (s *State) AliveCount() int {
	n := 0
	for _, w := range s.Worms {
		if w != nil && w.Status == Alive {
			n++
		}
	}
	return n
}

// EndGoal is the tail length that wins the level: 100, or three times the
// second longest tail when that is larger.
func (s *State) EndGoal() int {
	first, second := 0, 0
	for _, w := range s.Worms {
		if w == nil {
			continue
		}
		switch n := len(w.Tail); {
		case n > first:
			second = first
			first = n
		case n > second:
			second = n
		}
	}
	return max(100, 3*second)
}

// ResetForLevel moves the state onto a new grid: food and tails are dropped,
// living worms die so their owners must revive, and the frame restarts.
func (s *State) ResetForLevel(levelID int, grid *level.Grid) {
	s.Level = levelID
	s.Grid = grid
	s.Food = nil
	s.Frame = 0
	for _, w := range s.Worms {
		if w == nil {
			continue
		}
		if w.Status == Alive {
			w.Status = Dead
		}
		w.Tail = nil
		w.Using = false
	}
}

func (s *State) ensureSlot(slot int) {
	for len(s.Worms) <= slot {
		s.Worms = append(s.Worms, nil)
	}
}

func (s *State) inBounds(y, x int) bool {
	return y >= 0 && x >= 0 && y < s.Grid.H && x < s.Grid.W
}
