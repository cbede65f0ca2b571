// Package lockstep keeps the sliding window of commands that every peer
// replays to agree on the same simulation.
//
// The buffer holds a base state, the oldest frame that will never change,
// and one command list per frame from the base up to PlayAt frames past the
// predicted frame. When a command lands in a frame the prediction already
// passed, the prediction is rebuilt from the base on the next advance.
package lockstep

import (
	"wormy/broker/internal/logging"
	"wormy/broker/internal/sim"
)

const (
	// DefaultDepth is the client window length in frames.
	DefaultDepth = 42
	// DefaultPlayAt is how many frames ahead of the predicted frame commands may be scheduled.
	DefaultPlayAt = 12
)

// ServerDepth derives the authoritative window from a client depth so the
// server finalises frames well before clients fold them.
func ServerDepth(depth, playAt int) int {
	return depth - (depth-playAt)/2
}

// Config sizes a Buffer.
type Config struct {
	Depth  int
	PlayAt int
}

// Event schedules a command for a frame.
type Event struct {
	Frame   int         `json:"f" msgpack:"f"`
	Command sim.Command `json:"d" msgpack:"d"`
}

// FoldFunc observes a frame becoming final. after is the live base state and
// must not be retained.
type FoldFunc func(frame int, cmds []sim.Command, after *sim.State)

// Option customises a Buffer.
type Option func(*Buffer)

// WithFoldObserver registers fn for every folded frame.
func WithFoldObserver(fn FoldFunc) Option {
	return func(b *Buffer) { b.onFold = fn }
}

// WithLogger attaches a logger for rejected events.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Buffer) { b.logger = logger }
}

// Buffer is not safe for concurrent use; its owner serialises access.
type Buffer struct {
	rules  *sim.Rules
	depth  int
	playAt int

	base  *sim.State
	moves [][]sim.Command
	state *sim.State
	stale bool

	onFold FoldFunc
	logger *logging.Logger
}

// New starts a buffer whose predicted frame equals base.Frame.
func New(rules *sim.Rules, cfg Config, base *sim.State, opts ...Option) *Buffer {
	if cfg.PlayAt < 0 {
		cfg.PlayAt = DefaultPlayAt
	}
	if cfg.Depth <= cfg.PlayAt+1 {
		cfg.Depth = max(DefaultDepth, cfg.PlayAt+2)
	}
	b := &Buffer{rules: rules, depth: cfg.Depth, playAt: cfg.PlayAt}
	for _, opt := range opts {
		opt(b)
	}
	b.Reset(base, nil)
	return b
}

// Reset replaces the window with base and moves, as received in a load.
// Missing lookahead frames are padded so the predicted frame is at least the
// base frame.
func (b *Buffer) Reset(base *sim.State, moves [][]sim.Command) {
	b.base = base
	b.moves = make([][]sim.Command, 0, max(len(moves), b.playAt+1))
	for _, cmds := range moves {
		b.moves = append(b.moves, append([]sim.Command(nil), cmds...))
	}
	for len(b.moves) < b.playAt+1 {
		b.moves = append(b.moves, nil)
	}
	b.state = b.replay(len(b.moves) - b.playAt - 1)
	b.stale = false
}

// Frame is the predicted frame.
func (b *Buffer) Frame() int {
	return b.base.Frame + len(b.moves) - b.playAt - 1
}

// State is the predicted state at Frame. Callers must not modify it.
func (b *Buffer) State() *sim.State { return b.state }

// Base is the oldest final state. Callers must not modify it.
func (b *Buffer) Base() *sim.State { return b.base }

// PlayAt returns the scheduling lookahead.
func (b *Buffer) PlayAt() int { return b.playAt }

// Depth returns the window length.
func (b *Buffer) Depth() int { return b.depth }

// Window returns the inclusive range of frames AddEvent accepts.
func (b *Buffer) Window() (lo, hi int) {
	return b.base.Frame, b.base.Frame + len(b.moves) - 1
}

// Accepts reports whether an event for frame would be stored.
func (b *Buffer) Accepts(frame int) bool {
	lo, hi := b.Window()
	return frame >= lo && frame <= hi
}

// AddEvent stores cmd for frame. It returns false when frame lies outside the
// window, in which case the caller must resynchronise the sender.
func (b *Buffer) AddEvent(frame int, cmd sim.Command) bool {
	idx := frame - b.base.Frame
	if idx < 0 || idx >= len(b.moves) {
		lo, hi := b.Window()
		b.logger.Debug("event outside window",
			logging.Int("event_frame", frame),
			logging.Int("window_lo", lo),
			logging.Int("window_hi", hi),
			logging.String("kind", string(cmd.Kind)))
		return false
	}
	b.moves[idx] = append(b.moves[idx], cmd)
	if frame < b.Frame() {
		b.stale = true
	}
	return true
}

// Advance moves the prediction forward one frame, folding the oldest frame
// into the base once the window is full.
func (b *Buffer) Advance() {
	b.moves = append(b.moves, nil)
	for len(b.moves) > b.depth {
		b.fold()
	}
	current := len(b.moves) - b.playAt - 2
	if b.stale {
		b.state = b.replay(current + 1)
		b.stale = false
		return
	}
	b.rules.Step(b.state, b.moves[current], false)
}

// AdvanceTo advances until the predicted frame reaches target and returns
// the number of frames stepped.
func (b *Buffer) AdvanceTo(target int) int {
	n := 0
	for b.Frame() < target {
		b.Advance()
		n++
	}
	return n
}

// Recompute forces the prediction to be rebuilt from the base now.
func (b *Buffer) Recompute() {
	b.state = b.replay(len(b.moves) - b.playAt - 1)
	b.stale = false
}

// Snapshot copies the base and the stored frames for a resync message.
func (b *Buffer) Snapshot() (*sim.State, [][]sim.Command) {
	moves := make([][]sim.Command, len(b.moves))
	for i, cmds := range b.moves {
		moves[i] = append([]sim.Command{}, cmds...)
	}
	return b.base.Clone(), moves
}

// Pending returns the commands scheduled for frame, if it is in the window.
func (b *Buffer) Pending(frame int) []sim.Command {
	idx := frame - b.base.Frame
	if idx < 0 || idx >= len(b.moves) {
		return nil
	}
	return b.moves[idx]
}

func (b *Buffer) fold() {
	cmds := b.moves[0]
	frame := b.base.Frame
	b.rules.Step(b.base, cmds, true)
	b.moves[0] = nil
	b.moves = b.moves[1:]
	if b.onFold != nil {
		b.onFold(frame, cmds, b.base)
	}
}

// replay clones the base and applies the first n frames.
func (b *Buffer) replay(n int) *sim.State {
	state := b.base.Clone()
	for i := 0; i < n; i++ {
		b.rules.Step(state, b.moves[i], false)
	}
	return state
}
