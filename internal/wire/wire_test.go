package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelSignature(t *testing.T) {
	secret := []byte("relay-secret")
	sig := SignChannel(secret, "sock-1", ConversationChannel("c1"))

	require.True(t, VerifyChannel(secret, "sock-1", "private-conversation-c1", sig))
	require.False(t, VerifyChannel(secret, "sock-2", "private-conversation-c1", sig))
	require.False(t, VerifyChannel(secret, "sock-1", "private-conversation-c2", sig))
	require.False(t, VerifyChannel([]byte("other"), "sock-1", "private-conversation-c1", sig))
	require.False(t, VerifyChannel(secret, "sock-1", "private-conversation-c1", ""))
}

func TestConversationFromChannel(t *testing.T) {
	tests := []struct {
		channel string
		id      string
		ok      bool
	}{
		{channel: "private-conversation-abc", id: "abc", ok: true},
		{channel: "private-conversation-", ok: false},
		{channel: PresenceChannel, ok: false},
		{channel: "abc", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			id, ok := ConversationFromChannel(tt.channel)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.id, id)
		})
	}
}

func TestNewEventEncodesPayload(t *testing.T) {
	f, err := NewEvent(PresenceChannel, EventPresenceChanged, map[string]any{"user_id": "u7", "is_online": true})
	require.NoError(t, err)
	require.Equal(t, FrameEvent, f.Type)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"type":"event","channel":"presence-online","event":"presence-changed","data":{"user_id":"u7","is_online":true}}`,
		string(raw))
}
