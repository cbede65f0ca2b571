package sim

import (
	"fmt"

	"wormy/broker/internal/level"
)

// Compact is the wire form of a State. The grid is rebuilt from the level
// id, the food list and the worm tails.
type Compact struct {
	Level int     `json:"l" msgpack:"l"`
	Frame int     `json:"f" msgpack:"f"`
	Food  []Food  `json:"food" msgpack:"food"`
	Worms []*Worm `json:"p" msgpack:"p"`
}

// Compact copies s into its wire form.
func (s *State) Compact() Compact {
	c := Compact{
		Level: s.Level,
		Frame: s.Frame,
		Food:  append([]Food{}, s.Food...),
		Worms: make([]*Worm, len(s.Worms)),
	}
	for i, w := range s.Worms {
		c.Worms[i] = w.clone()
	}
	return c
}

// Expand rebuilds a State from its wire form.
func Expand(c Compact, levels level.Provider) (*State, error) {
	grid := levels.Level(c.Level)
	if grid == nil {
		return nil, fmt.Errorf("unknown level %d", c.Level)
	}
	if len(c.Worms) > MaxSlots {
		return nil, fmt.Errorf("%d worm slots exceed limit %d", len(c.Worms), MaxSlots)
	}
	s := &State{Level: c.Level, Grid: grid, Frame: c.Frame}
	for _, f := range c.Food {
		if !s.inBounds(f.Y, f.X) || !f.Power.Valid() {
			return nil, fmt.Errorf("food at (%d,%d) out of bounds", f.Y, f.X)
		}
		grid.Set(f.Y, f.X, level.Surface, level.Food)
		s.Food = append(s.Food, f)
	}
	s.Worms = make([]*Worm, len(c.Worms))
	for slot, w := range c.Worms {
		if w == nil {
			continue
		}
		w = w.clone()
		for _, seg := range w.Tail {
			if !s.inBounds(seg.Y, seg.X) || seg.Layer < 0 || seg.Layer >= level.Layers {
				return nil, fmt.Errorf("slot %d segment (%d,%d,%d) out of bounds", slot, seg.Y, seg.X, seg.Layer)
			}
			grid.Set(seg.Y, seg.X, seg.Layer, level.WormBase+uint8(slot))
		}
		s.Worms[slot] = w
	}
	return s, nil
}
