package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ValidFrames(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Frame
	}{
		{"heartbeat", "h", Heartbeat{}},
		{"boop", "b1", BoopRequest{BoopID: 1}},
		{"boop base36", "bzz", BoopRequest{BoopID: 35*36 + 35}},
		{"query", "d1", CooldownQuery{QueryID: 1}},
		{"query zero", "d0", CooldownQuery{QueryID: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_InvalidFrames(t *testing.T) {
	tests := []string{
		"",
		"x",
		"b",             // missing payload
		"d",             // missing payload
		"hh",            // heartbeat takes no payload
		"b-1",           // negative
		"bB",            // uppercase not in the alphabet
		"b1,2",          // no extra fields inbound
		"b123456789012", // 12 digits
		"bzzzzzzzzzzz",  // 11 digits but above 2^53
		"r1,2",          // server-to-client tag
		"c1",            // server-to-client tag
		"i",             // server-to-client tag
	}

	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			frame, err := Decode(text)
			assert.ErrorIs(t, err, ErrInvalidFrame)
			assert.Nil(t, frame, "a failed decode must not yield a partial frame")
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 35, 36, 1000, MaxSafeInt} {
		frame, err := Decode(EncodeBoopAck(id)) // same shape as the inbound boop
		require.NoError(t, err)
		assert.Equal(t, BoopRequest{BoopID: id}, frame)
	}
}

func TestEncode_Formats(t *testing.T) {
	assert.Equal(t, "h", EncodeHeartbeat())
	assert.Equal(t, "i", EncodeInvalid())
	assert.Equal(t, "c16", EncodeCount(42), "42 is 16 in base-36")
	assert.Equal(t, "b1", EncodeBoopAck(1))
	assert.Equal(t, "r1,rs", EncodeReject(1, 1000), "1000 is rs in base-36")
	assert.Equal(t, "d5,rs", EncodeCooldownReply(5, 1000))
}

func TestEncodeCooldownReply_OmitsZero(t *testing.T) {
	assert.Equal(t, "d1", EncodeCooldownReply(1, 0))
	assert.Equal(t, "d1", EncodeCooldownReply(1, -5))
}
