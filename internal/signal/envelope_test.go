package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDispatchesByType(t *testing.T) {
	data := []byte(`{"type":"RTCOffer","from_id":1,"to_id":2,"offer":"sdp-blob"}`)

	msg, err := Decode(data)
	require.NoError(t, err)

	offer, ok := msg.(Offer)
	require.True(t, ok)
	assert.Equal(t, 1, offer.From)
	assert.Equal(t, 2, offer.To)
	assert.Equal(t, "sdp-blob", offer.Offer)
}

func TestEncodeWireFormat(t *testing.T) {
	data, err := Encode(NewWelcome(7))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Welcome", raw["type"])
	assert.Equal(t, float64(7), raw["user_id"])
}

func TestEncodeDecodeAllKinds(t *testing.T) {
	messages := []Message{
		NewWelcome(1),
		NewUserList([]User{{ID: 1}, {ID: 2, Name: "alice"}}),
		NewConnectionRequest(1, 2),
		NewConnectionResponse(2, true),
		NewOffer(1, 2, "offer-sdp"),
		NewAnswer(2, 1, "answer-sdp"),
		NewCandidate(1, 2, `{"candidate":"x"}`),
		NewPeerStateChange(1, 2, "connected"),
	}

	for _, m := range messages {
		data, err := Encode(m)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err, "kind %s", m.Kind())
		assert.Equal(t, m, decoded)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"Bogus"}`))
	assert.Error(t, err)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestTargetRouting(t *testing.T) {
	cases := []struct {
		msg    Message
		target int
		routed bool
	}{
		{NewConnectionRequest(1, 2), 2, true},
		// the response travels back to whoever asked
		{NewConnectionResponse(3, true), 3, true},
		{NewOffer(1, 2, "sdp"), 2, true},
		{NewAnswer(2, 1, "sdp"), 1, true},
		{NewCandidate(1, 2, "blob"), 2, true},
		{NewPeerStateChange(1, 2, "connected"), 2, true},
		{NewWelcome(1), 0, false},
		{NewUserList(nil), 0, false},
	}

	for _, tc := range cases {
		target, ok := Target(tc.msg)
		assert.Equal(t, tc.routed, ok, "kind %s", tc.msg.Kind())
		assert.Equal(t, tc.target, target, "kind %s", tc.msg.Kind())
	}
}
