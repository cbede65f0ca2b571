package sim

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/xxh3"
)

// Digest fingerprints every field of s that affects future frames. Two
// states with equal digests are treated as identical by replay checks.
func (s *State) Digest() uint64 {
	buf := make([]byte, 0, 256+len(s.Grid.Cells()))
	put := func(v int64) { buf = binary.LittleEndian.AppendUint64(buf, uint64(v)) }
	put(int64(s.Level))
	put(int64(s.Frame))
	put(int64(s.Grid.W))
	put(int64(s.Grid.H))
	buf = append(buf, s.Grid.Cells()...)
	put(int64(len(s.Food)))
	for _, f := range s.Food {
		put(int64(f.Y))
		put(int64(f.X))
		put(int64(f.Power))
	}
	put(int64(len(s.Worms)))
	for _, w := range s.Worms {
		if w == nil {
			put(-1)
			continue
		}
		put(int64(w.Status))
		put(int64(w.MaxLen))
		put(int64(w.Power))
		put(int64(math.Float64bits(w.Energy)))
		if w.Using {
			put(1)
		} else {
			put(0)
		}
		put(int64(len(w.Name)))
		buf = append(buf, w.Name...)
		put(int64(len(w.Tail)))
		for _, seg := range w.Tail {
			put(int64(seg.Y))
			put(int64(seg.X))
			put(int64(seg.Layer))
			put(int64(seg.Dir))
		}
	}
	return xxh3.Hash(buf)
}
