// Package protocol defines the typed messages exchanged between players and
// the broker, and the codecs that put them on the wire.
package protocol

import (
	"wormy/broker/internal/lockstep"
	"wormy/broker/internal/sim"
)

// Type names a message.
type Type string

const (
	TypeStart     Type = "start"
	TypeDelayed   Type = "d"
	TypeImmediate Type = "i"
	TypeTime      Type = "t"
	TypeLag       Type = "lag"
	TypeOutOfSync Type = "oos"
	TypeLoad      Type = "load"
	TypeControl   Type = "control"
	TypeCast      Type = "c"
	TypeFramePing Type = "frame-ping"
	TypeFramePong Type = "frame-pong"
)

// Cast kinds.
const (
	CastJoin = "j"
	CastQuit = "q"
	CastPing = "p"
)

// Start asks for a worm on one of the connection's local input indexes.
type Start struct {
	Local int    `json:"l" msgpack:"l"`
	Name  string `json:"n" msgpack:"n"`
}

// TimeSync answers a clock handshake. Times are Unix milliseconds.
type TimeSync struct {
	Start    int64   `json:"st" msgpack:"st"`
	Now      int64   `json:"ct" msgpack:"ct"`
	Interval float64 `json:"i" msgpack:"i"`
	Frame    int     `json:"f" msgpack:"f"`
}

// Lag is a client round-trip report, optionally with rate diagnostics.
type Lag struct {
	PingMS      float64 `json:"ping" msgpack:"ping"`
	Synced      bool    `json:"sync,omitempty" msgpack:"sync,omitempty"`
	OffsetMS    float64 `json:"offset,omitempty" msgpack:"offset,omitempty"`
	SkewPercent float64 `json:"skew,omitempty" msgpack:"skew,omitempty"`
	OldSpeed    float64 `json:"old,omitempty" msgpack:"old,omitempty"`
	NewSpeed    float64 `json:"new,omitempty" msgpack:"new,omitempty"`
}

// OutOfSync is sent by a client that refused a broadcast event.
type OutOfSync struct {
	Frame      int `json:"f" msgpack:"f"`
	EventFrame int `json:"e" msgpack:"e"`
}

// Player pairs an owned slot with its display name.
type Player struct {
	Slot int    `json:"s" msgpack:"s"`
	Name string `json:"n" msgpack:"n"`
}

// Load is a full resync.
type Load struct {
	Frame   int             `json:"f" msgpack:"f"`
	Start   int64           `json:"st" msgpack:"st"`
	Base    sim.Compact     `json:"base" msgpack:"base"`
	Moves   [][]sim.Command `json:"moves" msgpack:"moves"`
	Players []Player        `json:"p" msgpack:"p"`
}

// Control assigns a slot to a local index; Slot -1 revokes it.
type Control struct {
	Slot  int `json:"s" msgpack:"s"`
	Local int `json:"l" msgpack:"l"`
}

// Ping is one slot's latest round trip.
type Ping struct {
	Slot   int     `json:"s" msgpack:"s"`
	PingMS float64 `json:"ms" msgpack:"ms"`
}

// Cast is presence metadata broadcast to everyone.
type Cast struct {
	Kind  string `json:"t" msgpack:"t"`
	Slot  int    `json:"p,omitempty" msgpack:"p,omitempty"`
	Name  string `json:"n,omitempty" msgpack:"n,omitempty"`
	Pings []Ping `json:"d,omitempty" msgpack:"d,omitempty"`
}

// FramePong carries the sender's fractional frame.
type FramePong struct {
	Frame float64 `json:"f" msgpack:"f"`
}

// Message is one decoded frame of the protocol. Only the payload matching
// Type is set; requests such as t, load and frame-ping carry none.
type Message struct {
	Type      Type
	Start     *Start
	Event     *lockstep.Event
	Time      *TimeSync
	Lag       *Lag
	OutOfSync *OutOfSync
	Load      *Load
	Control   *Control
	Cast      *Cast
	FramePong *FramePong
}

// Known reports whether t is part of the protocol.
func (t Type) Known() bool {
	switch t {
	case TypeStart, TypeDelayed, TypeImmediate, TypeTime, TypeLag, TypeOutOfSync,
		TypeLoad, TypeControl, TypeCast, TypeFramePing, TypeFramePong:
		return true
	}
	return false
}

// payload returns the field matching m.Type, or nil.
func (m *Message) payload() any {
	switch m.Type {
	case TypeStart:
		return nilIfEmpty(m.Start)
	case TypeDelayed, TypeImmediate:
		return nilIfEmpty(m.Event)
	case TypeTime:
		return nilIfEmpty(m.Time)
	case TypeLag:
		return nilIfEmpty(m.Lag)
	case TypeOutOfSync:
		return nilIfEmpty(m.OutOfSync)
	case TypeLoad:
		return nilIfEmpty(m.Load)
	case TypeControl:
		return nilIfEmpty(m.Control)
	case TypeCast:
		return nilIfEmpty(m.Cast)
	case TypeFramePong:
		return nilIfEmpty(m.FramePong)
	}
	return nil
}

// target allocates the payload for m.Type and returns a pointer to decode into.
func (m *Message) target() any {
	switch m.Type {
	case TypeStart:
		m.Start = &Start{}
		return m.Start
	case TypeDelayed, TypeImmediate:
		m.Event = &lockstep.Event{}
		return m.Event
	case TypeTime:
		m.Time = &TimeSync{}
		return m.Time
	case TypeLag:
		m.Lag = &Lag{}
		return m.Lag
	case TypeOutOfSync:
		m.OutOfSync = &OutOfSync{}
		return m.OutOfSync
	case TypeLoad:
		m.Load = &Load{}
		return m.Load
	case TypeControl:
		m.Control = &Control{}
		return m.Control
	case TypeCast:
		m.Cast = &Cast{}
		return m.Cast
	case TypeFramePong:
		m.FramePong = &FramePong{}
		return m.FramePong
	}
	return nil
}

func nilIfEmpty[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}

// Delayed wraps a command the server stamps on receipt.
func Delayed(cmd sim.Command) Message {
	return Message{Type: TypeDelayed, Event: &lockstep.Event{Command: cmd}}
}

// Broadcast wraps a stamped event for rebroadcast.
func Broadcast(evt lockstep.Event) Message {
	return Message{Type: TypeDelayed, Event: &evt}
}

// Immediate wraps an event addressed to a specific frame.
func Immediate(evt lockstep.Event) Message {
	return Message{Type: TypeImmediate, Event: &evt}
}

// Request builds a payload-free message such as t, load or frame-ping.
func Request(t Type) Message {
	return Message{Type: t}
}
