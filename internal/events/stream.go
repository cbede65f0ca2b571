// Package events fans final game frames and session changes out to
// spectators with per-subscriber acknowledgement and replay on reconnect.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wormy/broker/internal/sim"
)

// Kind enumerates the payloads carried by the stream.
type Kind string

const (
	KindFrame  Kind = "frame"
	KindLevel  Kind = "level"
	KindRoster Kind = "roster"
)

// FrameEvent is a frame that became final on the authority.
type FrameEvent struct {
	Frame    int           `json:"f"`
	Commands []sim.Command `json:"d,omitempty"`
	Digest   uint64        `json:"h"`
}

// LevelEvent announces a level load together with its starting state.
type LevelEvent struct {
	Level int         `json:"l"`
	Base  sim.Compact `json:"base"`
}

// RosterEvent announces a worm gaining or losing its controller.
type RosterEvent struct {
	Joined bool   `json:"j"`
	Slot   int    `json:"p"`
	Name   string `json:"n,omitempty"`
}

// Envelope carries one payload together with sequencing metadata.
type Envelope struct {
	Sequence uint64       `json:"seq"`
	Kind     Kind         `json:"kind"`
	Frame    *FrameEvent  `json:"frame,omitempty"`
	Level    *LevelEvent  `json:"level,omitempty"`
	Roster   *RosterEvent `json:"roster,omitempty"`
}

// Clone duplicates the payloads so subscribers can keep their copy.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Frame != nil {
		frame := *e.Frame
		frame.Commands = append([]sim.Command(nil), e.Frame.Commands...)
		clone.Frame = &frame
	}
	if e.Level != nil {
		lvl := *e.Level
		clone.Level = &lvl
	}
	if e.Roster != nil {
		roster := *e.Roster
		clone.Roster = &roster
	}
	return &clone
}

// Config controls the retention policy for the stream log.
type Config struct {
	Retain int
}

// defaultRetention keeps roughly a minute of frames at the stock speed.
const defaultRetention = 768

// Stream coordinates ordered event delivery with at-least-once semantics per subscriber.
type Stream struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	logOrder    []uint64
	logPayloads map[uint64]*Envelope
	subscribers map[string]*subscriberState
}

// subscriberState persists acknowledgement state between transient connections.
type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Envelope
	done    chan struct{}
	active  bool
}

// Subscription exposes the event channel and acknowledgement helpers for a subscriber.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan *Envelope
	done   chan struct{}
	once   sync.Once
}

var (
	// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge future sequences.
	ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")
	// ErrNilStream is returned by every method called on a nil stream.
	ErrNilStream = errors.New("nil stream")
)

// NewStream constructs a stream using the provided configuration.
func NewStream(cfg Config) *Stream {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Stream{
		retention:   retention,
		logPayloads: make(map[uint64]*Envelope),
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches the logical subscriber to the stream and replays
// everything it has not acknowledged yet.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, ErrNilStream
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	state := s.ensureSubscriberLocked(subscriberID)
	if state.active && state.done != nil {
		close(state.done)
	}
	replay := s.collectReplayLocked(state)
	ch := make(chan *Envelope, buffer)
	done := make(chan struct{})
	state.ch = ch
	state.done = done
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := s.prepareDeliveriesLocked(replay)
	s.mu.Unlock()

	//1.- Replay outstanding events before live ones can queue behind them.
	go func() {
		for _, env := range deliveries {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ch <- env:
			}
		}
	}()

	return &Subscription{id: subscriberID, stream: s, events: ch, done: done}, nil
}

// Events exposes the ordered delivery channel for the subscriber.
func (s *Subscription) Events() <-chan *Envelope {
	if s == nil {
		return nil
	}
	return s.events
}

// Done is closed once the subscription is closed or replaced by a newer one.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Ack informs the stream that the subscriber processed the given sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close marks the subscription as inactive while preserving acknowledgement state.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.deactivateSubscriber(s.id, s.done)
	})
}

func (s *Stream) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := s.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		s.subscribers[subscriberID] = state
	}
	return state
}

func (s *Stream) collectReplayLocked(state *subscriberState) []uint64 {
	var replay []uint64
	for _, seq := range s.logOrder {
		if seq > state.lastAck {
			replay = append(replay, seq)
		}
	}
	return replay
}

func (s *Stream) prepareDeliveriesLocked(sequences []uint64) []*Envelope {
	deliveries := make([]*Envelope, 0, len(sequences))
	for _, seq := range sequences {
		if payload, ok := s.logPayloads[seq]; ok {
			deliveries = append(deliveries, payload.Clone())
		}
	}
	return deliveries
}

// PublishFrame enqueues a final frame.
func (s *Stream) PublishFrame(frame int, cmds []sim.Command, digest uint64) (uint64, error) {
	if s == nil {
		return 0, ErrNilStream
	}
	if frame < 0 {
		return 0, fmt.Errorf("frame must be non-negative, got %d", frame)
	}
	event := &FrameEvent{Frame: frame, Commands: append([]sim.Command(nil), cmds...), Digest: digest}
	return s.publishEnvelope(&Envelope{Kind: KindFrame, Frame: event})
}

// PublishLevel enqueues a level load.
func (s *Stream) PublishLevel(levelID int, base sim.Compact) (uint64, error) {
	if s == nil {
		return 0, ErrNilStream
	}
	return s.publishEnvelope(&Envelope{Kind: KindLevel, Level: &LevelEvent{Level: levelID, Base: base}})
}

// PublishRoster enqueues a join or quit.
func (s *Stream) PublishRoster(joined bool, slot int, name string) (uint64, error) {
	if s == nil {
		return 0, ErrNilStream
	}
	if slot < 0 || slot >= sim.MaxSlots {
		return 0, fmt.Errorf("slot %d out of range", slot)
	}
	return s.publishEnvelope(&Envelope{Kind: KindRoster, Roster: &RosterEvent{Joined: joined, Slot: slot, Name: name}})
}

func (s *Stream) publishEnvelope(envelope *Envelope) (uint64, error) {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	envelope.Sequence = seq
	s.logPayloads[seq] = envelope
	s.logOrder = append(s.logOrder, seq)

	deliveries := make([]delivery, 0, len(s.subscribers))
	for _, state := range s.subscribers {
		state.pending = append(state.pending, seq)
		if state.active && state.ch != nil {
			deliveries = append(deliveries, delivery{ch: state.ch, payload: envelope.Clone()})
		}
	}
	s.enforceRetentionLocked()
	s.mu.Unlock()

	for _, item := range deliveries {
		//1.- Never block the authority on a slow spectator; it catches up on resubscribe.
		select {
		case item.ch <- item.payload:
		default:
		}
	}

	return seq, nil
}

type delivery struct {
	ch      chan<- *Envelope
	payload *Envelope
}

func (s *Stream) enforceRetentionLocked() {
	if len(s.logOrder) <= s.retention {
		return
	}
	//1.- Drop the oldest envelopes beyond the cap; lagging subscribers lose them.
	idx := len(s.logOrder) - s.retention
	pruneBefore := s.logOrder[idx-1]
	for _, seq := range s.logOrder[:idx] {
		delete(s.logPayloads, seq)
	}
	s.logOrder = append([]uint64(nil), s.logOrder[idx:]...)
	for _, state := range s.subscribers {
		kept := state.pending[:0]
		for _, seq := range state.pending {
			if seq > pruneBefore {
				kept = append(kept, seq)
			}
		}
		state.pending = kept
	}
}

// Retained reports how many envelopes are currently held for replay.
func (s *Stream) Retained() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logOrder)
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	if sequence < state.pending[0] {
		//1.- Already pruned or acknowledged.
		return nil
	}
	if sequence != state.pending[0] {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	return nil
}

func (s *Stream) deactivateSubscriber(subscriberID string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok || state.done != done {
		return
	}
	state.active = false
	state.ch = nil
	close(state.done)
	state.done = nil
}
