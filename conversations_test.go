package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conv(id string, unread int, users ...string) Conversation {
	c := Conversation{ID: id, UnreadCount: unread}
	for _, u := range users {
		c.Participants = append(c.Participants, Participant{UserID: u, User: User{ID: u, Name: "name-" + u}})
	}
	return c
}

func convIDs(list []Conversation) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func TestConversationListReplaceDedupes(t *testing.T) {
	var l ConversationList
	l.Replace([]Conversation{conv("a", 1), conv("b", 0), conv("a", 5)})
	assert.Equal(t, []string{"a", "b"}, convIDs(l.Snapshot()))
	assert.Equal(t, 1, l.TotalUnread())
}

func TestConversationListApplyIncoming(t *testing.T) {
	var l ConversationList
	l.Replace([]Conversation{conv("a", 0, "me", "u1"), conv("b", 2, "me", "u2"), conv("c", 0, "me", "u3")})

	t.Run("background conversation bumps unread and moves to front", func(t *testing.T) {
		require.True(t, l.ApplyIncoming(msg("m1", "c", "u3", "yo", 1), "a", "me"))
		assert.Equal(t, []string{"c", "a", "b"}, convIDs(l.Snapshot()))
		got, _ := l.Get("c")
		assert.Equal(t, 1, got.UnreadCount)
		require.NotNil(t, got.LastMessage)
		assert.Equal(t, "yo", got.LastMessage.Content)
	})

	t.Run("active conversation stays read", func(t *testing.T) {
		require.True(t, l.ApplyIncoming(msg("m2", "a", "u1", "hi", 2), "a", "me"))
		got, _ := l.Get("a")
		assert.Equal(t, 0, got.UnreadCount)
		assert.Equal(t, "a", l.Snapshot()[0].ID)
	})

	t.Run("own message does not count", func(t *testing.T) {
		require.True(t, l.ApplyIncoming(msg("m3", "b", "me", "sent", 3), "", "me"))
		got, _ := l.Get("b")
		assert.Equal(t, 2, got.UnreadCount)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		assert.False(t, l.ApplyIncoming(msg("m4", "zzz", "u9", "?", 4), "", "me"))
		assert.Equal(t, 3, l.Len())
	})
}

func TestConversationListUnreadIsAlwaysTheSum(t *testing.T) {
	var l ConversationList
	l.Replace([]Conversation{conv("a", 3), conv("b", 4)})

	sum := func() int {
		total := 0
		for _, c := range l.Snapshot() {
			total += c.UnreadCount
		}
		return total
	}

	assert.Equal(t, sum(), l.TotalUnread())
	l.ApplyIncoming(msg("m1", "a", "x", "1", 1), "", "me")
	assert.Equal(t, sum(), l.TotalUnread())
	l.ResetUnread("b")
	assert.Equal(t, sum(), l.TotalUnread())
	assert.Equal(t, 4, l.TotalUnread())
}

func TestConversationListTouchAndRestore(t *testing.T) {
	var l ConversationList
	prev := &LastMessage{Content: "old", SenderID: "u1", CreatedAt: at(0)}
	a := conv("a", 0)
	a.LastMessage = prev
	l.Replace([]Conversation{conv("b", 0), a})

	require.True(t, l.Touch("a", LastMessage{Content: "new", SenderID: "me", CreatedAt: at(5)}))
	assert.Equal(t, []string{"a", "b"}, convIDs(l.Snapshot()))
	got, _ := l.Get("a")
	assert.Equal(t, "new", got.LastMessage.Content)

	require.True(t, l.restoreLast("a", prev))
	got, _ = l.Get("a")
	assert.Equal(t, "old", got.LastMessage.Content)
	assert.False(t, l.Touch("missing", LastMessage{}))
}

func TestConversationListFindByParticipant(t *testing.T) {
	var l ConversationList
	l.Replace([]Conversation{conv("a", 0, "me", "u1"), conv("b", 0, "me", "u2")})

	got, ok := l.FindByParticipant("u2")
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)

	p, ok := got.Counterpart("me")
	require.True(t, ok)
	assert.Equal(t, "u2", p.ID())

	_, ok = l.FindByParticipant("nobody")
	assert.False(t, ok)
}
