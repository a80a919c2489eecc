package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/model"
)

func TestDirectoryListOrderedByRecency(t *testing.T) {
	api := newFakeAPI("me", newFakeClock())
	api.addConversation("empty", "u0")
	api.addConversation("old", "u1")
	api.addConversation("new", "u2")
	api.conversations[1].LastMessage = &model.Message{ID: "m1", ConversationID: "old", CreatedAt: t0}
	api.conversations[2].LastMessage = &model.Message{ID: "m2", ConversationID: "new", CreatedAt: t0.Add(time.Minute)}

	d := NewDirectory(api, "me")
	list, err := d.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"new", "old", "empty"}, ids(list))

	d.ObserveMessage(msg("m3", "old", "u1", "ping", t0.Add(time.Hour)))
	require.Equal(t, []string{"old", "new", "empty"}, ids(d.List()))
}

func TestDirectoryRefreshFailureKeepsList(t *testing.T) {
	api := newFakeAPI("me", newFakeClock())
	api.addConversation("c1", "u1")
	d := NewDirectory(api, "me")
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	api.listErr = errBoom
	list, err := d.Refresh(context.Background())
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Retryable())
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, []string{"c1"}, ids(list))
	require.Equal(t, err, d.LastError())

	api.listErr = nil
	_, err = d.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.LastError())
}

func TestDirectoryResolvesOtherParticipant(t *testing.T) {
	api := newFakeAPI("me", newFakeClock())
	api.conversations = []model.Conversation{
		{ID: "flipped", ParticipantAID: "u5", ParticipantBID: "me", OtherParticipant: model.Participant{ID: "me"}},
		{ID: "foreign", ParticipantAID: "x", ParticipantBID: "y"},
	}
	d := NewDirectory(api, "me")
	list, err := d.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "u5", list[0].OtherParticipant.ID)
}

func TestDirectoryOpenIsIdempotent(t *testing.T) {
	api := newFakeAPI("me", newFakeClock())
	d := NewDirectory(api, "me")

	first, err := d.Open(context.Background(), "seller")
	require.NoError(t, err)
	second, err := d.Open(context.Background(), "seller")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, api.createCalls)
	require.Len(t, d.List(), 1)

	// A fresh directory reaches the server, which returns the same conversation.
	other := NewDirectory(api, "me")
	third, err := other.Open(context.Background(), "seller")
	require.NoError(t, err)
	require.Equal(t, first.ID, third.ID)
}

func TestDirectoryUnreadAndActive(t *testing.T) {
	api := newFakeAPI("me", newFakeClock())
	api.addConversation("c1", "u1")
	api.addConversation("c2", "u2")
	d := NewDirectory(api, "me")
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	d.ObserveMessage(msg("1", "c1", "u1", "a", t0))
	d.ObserveMessage(msg("1", "c1", "u1", "a", t0))
	d.ObserveMessage(msg("2", "c2", "u2", "b", t0))
	d.ObserveMessage(msg("3", "c2", "me", "c", t0.Add(time.Second)))
	require.Equal(t, 2, d.TotalUnread())

	require.NoError(t, d.SetActive("c1"))
	require.Equal(t, "c1", d.Active())
	require.Equal(t, 1, d.TotalUnread())

	d.ObserveMessage(msg("4", "c1", "u1", "d", t0.Add(2*time.Second)))
	require.Equal(t, 1, d.TotalUnread(), "messages in the active conversation are not unread")

	require.ErrorIs(t, d.SetActive("nope"), ErrUnknownConversation)
}

func TestDirectoryApplyPresence(t *testing.T) {
	api := newFakeAPI("me", newFakeClock())
	api.addConversation("c1", "u1")
	d := NewDirectory(api, "me")
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	d.ApplyPresence(model.Presence{UserID: "u1", IsOnline: true, LastSeenAt: t0})
	c, ok := d.Get("c1")
	require.True(t, ok)
	require.True(t, c.OtherParticipant.IsOnline)
	require.Equal(t, "user u1", c.OtherParticipant.DisplayName)
}

func ids(list []model.Conversation) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}
