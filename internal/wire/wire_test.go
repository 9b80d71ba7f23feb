package wire_test

import (
	"testing"

	"github.com/rjw57/streamkinect2/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripNoPayload(t *testing.T) {
	for _, tag := range []wire.Tag{wire.TagPing, wire.TagPong, wire.TagWho} {
		frames, err := wire.Encode(tag, nil)
		require.NoError(t, err)
		require.Len(t, frames, 1)

		msg, err := wire.Decode(frames)
		require.NoError(t, err)
		assert.Equal(t, tag, msg.Tag)
		assert.Nil(t, msg.Payload)
	}
}

func TestRoundTripWithPayload(t *testing.T) {
	payload := wire.ErrorPayload{Code: 400, Reason: "unknown tag"}
	frames, err := wire.Encode(wire.TagError, payload)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	msg, err := wire.Decode(frames)
	require.NoError(t, err)
	assert.Equal(t, wire.TagError, msg.Tag)

	var decoded wire.ErrorPayload
	require.NoError(t, msg.DecodePayload(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestDecodeRejectsZeroOrTooManyParts(t *testing.T) {
	_, err := wire.Decode(nil)
	assert.ErrorIs(t, err, wire.ErrMalformedMessage)

	_, err = wire.Decode([][]byte{{byte(wire.TagPing)}, []byte("{}"), []byte("extra")})
	assert.ErrorIs(t, err, wire.ErrMalformedMessage)
}

func TestDecodeRejectsZeroLengthFirstPart(t *testing.T) {
	_, err := wire.Decode([][]byte{{}})
	assert.ErrorIs(t, err, wire.ErrMalformedMessage)

	_, err = wire.Decode([][]byte{{}, []byte("{}")})
	assert.ErrorIs(t, err, wire.ErrMalformedMessage)
}

func TestDecodeRejectsInvalidJSONPayload(t *testing.T) {
	_, err := wire.Decode([][]byte{{byte(wire.TagWho)}, []byte("not json")})
	assert.ErrorIs(t, err, wire.ErrMalformedMessage)
}

func TestUnknownTagIsInvalid(t *testing.T) {
	assert.False(t, wire.Tag(0x7f).Valid())
	assert.True(t, wire.TagMe.Valid())
}

func TestMePayloadIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"version":1,"name":"S1","endpoints":{"control":"tcp://a:1"},"devices":[],"future_field":42}`)
	var me wire.MePayload
	require.NoError(t, (wire.Message{Payload: raw}).DecodePayload(&me))
	assert.Equal(t, 1, me.Version)
	assert.Equal(t, "S1", me.Name)
}
