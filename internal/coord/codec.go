package coord

import (
	"encoding/json"
	"fmt"
)

// Codec serializes and deserializes control messages for the wire.
type Codec interface {
	Marshal(msg Message) ([]byte, error)
	Unmarshal(data []byte) (Message, error)
}

// envelope tags every wire message with its type so the receiver can
// pick the right payload struct.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JSONCodec is the default control codec. Control traffic is sparse, so
// readability on the wire beats compactness.
type JSONCodec struct{}

func NewCodec() *JSONCodec { return &JSONCodec{} }

func (c *JSONCodec) Marshal(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
	}
	return json.Marshal(envelope{Type: msg.Type(), Payload: payload})
}

func (c *JSONCodec) Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case "probe":
		msg = &Probe{}
	case "probe_reply":
		msg = &ProbeReply{}
	case "register":
		msg = &Register{}
	case "start":
		msg = &Start{}
	case "status":
		msg = &Status{}
	case "report":
		msg = &Report{}
	case "stop":
		msg = &Stop{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}

	// Return by value so callers type-switch on concrete types.
	switch m := msg.(type) {
	case *Probe:
		return *m, nil
	case *ProbeReply:
		return *m, nil
	case *Register:
		return *m, nil
	case *Start:
		return *m, nil
	case *Status:
		return *m, nil
	case *Report:
		return *m, nil
	case *Stop:
		return *m, nil
	}
	return msg, nil
}
