package protocol

import "encoding/json"

// BatchEnvelope frames several envelopes into one transport frame.
// Processing order is list order; a failure on one inner message does not
// abort the rest of the batch.
type BatchEnvelope struct {
	Type      MessageType `json:"type"` // always "batch"
	Messages  []*Envelope `json:"messages"`
	Seq       int64       `json:"seq,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// NewBatch wraps the given envelopes into a batch frame.
func NewBatch(seq int64, messages ...*Envelope) *BatchEnvelope {
	return &BatchEnvelope{
		Type:      TypeBatch,
		Messages:  messages,
		Seq:       seq,
		Timestamp: nowEpoch(),
	}
}

// Encode serializes the batch to a single JSON text frame.
func (b *BatchEnvelope) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// wireBatch keeps inner messages raw so each one is decoded independently.
type wireBatch struct {
	Type      string            `json:"type"`
	Messages  []json.RawMessage `json:"messages"`
	Seq       int64             `json:"seq"`
	Timestamp float64           `json:"timestamp"`
}

// DecodeBatch parses a batch frame. Inner messages are decoded one by one;
// a malformed inner message yields a nil slot in the returned slice with the
// decode error recorded at the same index in errs. The outer frame itself
// must be a valid batch envelope.
func DecodeBatch(raw []byte) (*BatchEnvelope, []error, error) {
	var w wireBatch
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, Errorf(ErrMalformedMessage, "invalid batch json: %v", err)
	}
	if MessageType(w.Type) != TypeBatch {
		return nil, nil, Errorf(ErrMalformedMessage, "expected batch, got %q", w.Type)
	}

	b := &BatchEnvelope{
		Type:      TypeBatch,
		Messages:  make([]*Envelope, len(w.Messages)),
		Seq:       w.Seq,
		Timestamp: w.Timestamp,
	}
	if b.Timestamp == 0 {
		b.Timestamp = nowEpoch()
	}
	errs := make([]error, len(w.Messages))
	for i, rawMsg := range w.Messages {
		b.Messages[i], errs[i] = Decode(rawMsg)
	}
	return b, errs, nil
}

// IsBatchFrame reports whether a raw frame is a batch envelope without fully
// decoding it, so transports can pick the right decoder.
func IsBatchFrame(raw []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return MessageType(probe.Type) == TypeBatch
}
