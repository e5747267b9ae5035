package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FillsDefaults(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ping","data":{}}`))
	require.NoError(t, err)

	assert.Equal(t, TypePing, env.Type)
	assert.Equal(t, DefaultVersion, env.Version)
	assert.Equal(t, PriorityNormal, env.Priority)
	assert.Greater(t, env.Timestamp, 0.0, "missing timestamp gets stamped")
	assert.Nil(t, env.SequenceID)
}

func TestDecode_PreservesExplicitFields(t *testing.T) {
	raw := []byte(`{"type":"sprite_move","data":{"sprite_id":"abc"},"client_id":"deadbeefdeadbeef","timestamp":12.5,"version":"0.2","priority":0,"sequence_id":42}`)
	env, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "deadbeefdeadbeef", env.ClientID)
	assert.Equal(t, 12.5, env.Timestamp)
	assert.Equal(t, "0.2", env.Version)
	assert.Equal(t, 0, env.Priority, "priority 0 is valid, not a missing field")
	require.NotNil(t, env.SequenceID)
	assert.Equal(t, int64(42), *env.SequenceID)
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"warp_drive","data":{}}`))
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrMalformedMessage, we.Code)
}

func TestDecode_RejectsPriorityOutOfRange(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ping","priority":10}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"type":"ping","priority":-1}`))
	require.Error(t, err)
}

func TestDecode_ToleratesUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ping","data":{},"future_field":true}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, env.Type)
}

func TestDecode_RejectsNonObject(t *testing.T) {
	_, err := Decode([]byte(`["ping"]`))
	require.Error(t, err)
	_, err = Decode([]byte(`not json at all`))
	require.Error(t, err)
}

func TestEncode_RoundTrip(t *testing.T) {
	seq := int64(7)
	in := NewEnvelope(TypeSpriteMove, map[string]any{"sprite_id": "s1"})
	in.ClientID = "cafebabecafebabe"
	in.SequenceID = &seq

	raw, err := in.Encode()
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.ClientID, out.ClientID)
	assert.Equal(t, "s1", out.DataString("sprite_id"))
	require.NotNil(t, out.SequenceID)
	assert.Equal(t, seq, *out.SequenceID)
}

func TestEncode_NilDataSerializesAsObject(t *testing.T) {
	env := &Envelope{Type: TypePing, Version: DefaultVersion}
	raw, err := env.Encode()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	_, isObject := m["data"].(map[string]any)
	assert.True(t, isObject, "data must serialize as {} never null")
}

func TestDedupeKey(t *testing.T) {
	env := NewEnvelope(TypePing, nil)
	_, ok := env.DedupeKey()
	assert.False(t, ok, "no sequence id means never deduped")

	seq := int64(3)
	env.ClientID = "abc"
	env.SequenceID = &seq
	key, ok := env.DedupeKey()
	require.True(t, ok)
	assert.Equal(t, "abc:3", key)
}

func TestNewError_CarriesCode(t *testing.T) {
	env := NewError(ErrTargetOccupied, "cell taken")
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, string(ErrTargetOccupied), env.Data["error"])
	assert.Equal(t, "cell taken", env.Data["detail"])
	assert.Equal(t, PriorityHigh, env.Priority)
}

func TestDataAccessors(t *testing.T) {
	env := NewEnvelope(TypeTest, map[string]any{
		"s": "hello",
		"n": float64(5),
		"m": map[string]any{"k": "v"},
		"b": true,
	})

	assert.Equal(t, "hello", env.DataString("s"))
	assert.Equal(t, "", env.DataString("missing"))

	n, ok := env.DataInt("n")
	require.True(t, ok)
	assert.Equal(t, 5, n)
	_, ok = env.DataInt("s")
	assert.False(t, ok)

	assert.Equal(t, "v", env.DataMap("m")["k"])
	assert.Nil(t, env.DataMap("missing"))
	assert.True(t, env.DataBool("b"))
}
