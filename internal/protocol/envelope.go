package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultVersion is stamped on envelopes built without an explicit protocol
// version.
const DefaultVersion = "0.1"

// Priority levels. Lower is more urgent.
const (
	PriorityCritical = 0
	PriorityHigh     = 2
	PriorityNormal   = 5
)

// Envelope is the unit of communication between client and server. Data is
// always a mapping on the wire; its schema is determined by Type.
type Envelope struct {
	Type       MessageType    `json:"type"`
	Data       map[string]any `json:"data"`
	ClientID   string         `json:"client_id,omitempty"`
	Timestamp  float64        `json:"timestamp"`
	Version    string         `json:"version"`
	Priority   int            `json:"priority"`
	SequenceID *int64         `json:"sequence_id,omitempty"`
}

// NewEnvelope builds an envelope of the given type with defaults filled in.
// A nil data map is replaced with an empty one so it serializes as {}.
func NewEnvelope(t MessageType, data map[string]any) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return &Envelope{
		Type:      t,
		Data:      data,
		Timestamp: nowEpoch(),
		Version:   DefaultVersion,
		Priority:  PriorityNormal,
	}
}

// NewError builds an error envelope carrying a protocol error code.
func NewError(code ErrorCode, detail string) *Envelope {
	data := map[string]any{"error": string(code)}
	if detail != "" {
		data["detail"] = detail
	}
	e := NewEnvelope(TypeError, data)
	e.Priority = PriorityHigh
	return e
}

// NewSuccess builds a success envelope with an optional payload.
func NewSuccess(data map[string]any) *Envelope {
	return NewEnvelope(TypeSuccess, data)
}

// NewPong builds the reply to a ping, echoing the current server time.
func NewPong() *Envelope {
	return NewEnvelope(TypePong, map[string]any{"timestamp": nowEpoch()})
}

// DedupeKey returns the (client_id, sequence_id) identity used for duplicate
// suppression. ok is false when the envelope carries no sequence id and is
// therefore never treated as a duplicate.
func (e *Envelope) DedupeKey() (string, bool) {
	if e.SequenceID == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%d", e.ClientID, *e.SequenceID), true
}

// Encode serializes the envelope to a single JSON text frame.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return json.Marshal(e)
}

// wireEnvelope mirrors Envelope with pointer fields so decoding can tell an
// absent field from a zero value before defaults are applied.
type wireEnvelope struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	ClientID   string         `json:"client_id"`
	Timestamp  *float64       `json:"timestamp"`
	Version    *string        `json:"version"`
	Priority   *int           `json:"priority"`
	SequenceID *int64         `json:"sequence_id"`
}

// Decode parses a single JSON frame into an Envelope. Unknown fields are
// ignored for forward compatibility; unknown types and non-object frames are
// rejected with malformed_message.
func Decode(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, Errorf(ErrMalformedMessage, "invalid json: %v", err)
	}
	t := MessageType(w.Type)
	if !t.Known() {
		return nil, Errorf(ErrMalformedMessage, "unknown message type %q", w.Type)
	}

	e := &Envelope{
		Type:       t,
		Data:       w.Data,
		ClientID:   w.ClientID,
		Version:    DefaultVersion,
		Priority:   PriorityNormal,
		SequenceID: w.SequenceID,
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if w.Timestamp != nil {
		e.Timestamp = *w.Timestamp
	} else {
		e.Timestamp = nowEpoch()
	}
	if w.Version != nil && *w.Version != "" {
		e.Version = *w.Version
	}
	if w.Priority != nil {
		if *w.Priority < 0 || *w.Priority > 9 {
			return nil, Errorf(ErrMalformedMessage, "priority %d out of range", *w.Priority)
		}
		e.Priority = *w.Priority
	}
	return e, nil
}

// String accessors for data fields. Handlers read request payloads through
// these so missing and mistyped fields degrade to zero values uniformly.

// DataString returns data[key] as a string, or "" when absent or mistyped.
func (e *Envelope) DataString(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// DataInt returns data[key] as an int. JSON numbers decode as float64, so
// both representations are accepted.
func (e *Envelope) DataInt(key string) (int, bool) {
	switch v := e.Data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// DataMap returns data[key] as a nested object, or nil.
func (e *Envelope) DataMap(key string) map[string]any {
	m, _ := e.Data[key].(map[string]any)
	return m
}

// DataBool returns data[key] as a bool.
func (e *Envelope) DataBool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
