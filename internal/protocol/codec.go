package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols selecting a codec.
const (
	SubprotocolJSON    = "wormy.json"
	SubprotocolMsgpack = "wormy.msgpack"
)

var (
	// ErrUnknownType is returned for a message type outside the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingPayload is returned when a message requires a payload but has none.
	ErrMissingPayload = errors.New("missing payload")
)

// Codec converts messages to and from wire frames.
type Codec interface {
	Name() string
	// Binary reports whether frames should be sent as binary websocket messages.
	Binary() bool
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// CodecFor picks the codec for a negotiated subprotocol, defaulting to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// Subprotocols lists the supported subprotocols in preference order.
func Subprotocols() []string {
	return []string{SubprotocolMsgpack, SubprotocolJSON}
}

func requiresPayload(t Type) bool {
	switch t {
	case TypeStart, TypeDelayed, TypeImmediate, TypeOutOfSync, TypeControl, TypeCast, TypeFramePong:
		return true
	}
	return false
}

func checkDecoded(m Message, hasPayload bool) (Message, error) {
	if !m.Type.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if !hasPayload && requiresPayload(m.Type) {
		return Message{}, fmt.Errorf("%w for %q", ErrMissingPayload, m.Type)
	}
	return m, nil
}

type jsonEnvelope struct {
	Type Type            `json:"t"`
	Data json.RawMessage `json:"d,omitempty"`
}

// JSONCodec encodes {"t": type, "d": payload} text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	env := jsonEnvelope{Type: m.Type}
	if p := m.payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Type, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	m := Message{Type: env.Type}
	has := len(env.Data) > 0 && string(env.Data) != "null"
	if has {
		if target := m.target(); target != nil {
			if err := json.Unmarshal(env.Data, target); err != nil {
				return Message{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
			}
		}
	}
	return checkDecoded(m, has)
}

type msgpackEnvelope struct {
	Type Type               `msgpack:"t"`
	Data msgpack.RawMessage `msgpack:"d,omitempty"`
}

// MsgpackCodec encodes the same envelope as MessagePack binary frames.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(m Message) ([]byte, error) {
	env := msgpackEnvelope{Type: m.Type}
	if p := m.payload(); p != nil {
		raw, err := msgpack.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Type, err)
		}
		env.Data = raw
	}
	return msgpack.Marshal(&env)
}

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	m := Message{Type: env.Type}
	has := len(env.Data) > 0
	if has {
		if target := m.target(); target != nil {
			if err := msgpack.Unmarshal(env.Data, target); err != nil {
				return Message{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
			}
		}
	}
	return checkDecoded(m, has)
}
