package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, store Storage) *MessageCache {
	t.Helper()
	c := NewMessageCache(store, zerolog.Nop())
	require.NoError(t, c.Load())
	return c
}

func TestMessageCachePersistsAndReloads(t *testing.T) {
	store := NewMemoryStorage()
	c := newTestCache(t, store)

	c.Put(PersistedRef("c1"), []Message{msg("m2", "c1", "u1", "b", 2), msg("m1", "c1", "u1", "a", 1)})
	c.Append(DraftRef(), pending("temp-1", "", "u1", "draft", 3))

	reloaded := newTestCache(t, store)
	assert.Equal(t, []string{"m1", "m2"}, ids(reloaded.Messages(PersistedRef("c1"))))
	assert.Equal(t, []string{"temp-1"}, ids(reloaded.Messages(DraftRef())))
	assert.True(t, reloaded.Has(DraftRef()))
	assert.ElementsMatch(t, []string{"c1"}, reloaded.Keys())
}

func TestMessageCacheLoadsLegacySnapshot(t *testing.T) {
	store := NewMemoryStorage()
	legacy := map[string][]Message{
		"c1":  {msg("m1", "c1", "u1", "a", 1)},
		"new": {pending("temp-1", "new", "u1", "hello", 2)},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, store.Set(MessageCacheKey, data))

	c := newTestCache(t, store)
	assert.Equal(t, []string{"m1"}, ids(c.Messages(PersistedRef("c1"))))
	assert.Equal(t, []string{"temp-1"}, ids(c.Messages(DraftRef())))
	assert.NotContains(t, c.Keys(), "new")
}

func TestMessageCacheToleratesGarbage(t *testing.T) {
	store := NewMemoryStorage()
	require.NoError(t, store.Set(MessageCacheKey, []byte("not json")))

	c := newTestCache(t, store)
	assert.Empty(t, c.Keys())
	assert.False(t, c.Has(DraftRef()))
}

func TestMessageCacheMessagesIsACopy(t *testing.T) {
	c := newTestCache(t, NewMemoryStorage())
	c.Put(PersistedRef("c1"), []Message{msg("m1", "c1", "u1", "a", 1)})

	got := c.Messages(PersistedRef("c1"))
	got[0].Content = "changed"
	assert.Equal(t, "a", c.Messages(PersistedRef("c1"))[0].Content)
}

func TestMessageCachePromoteDraft(t *testing.T) {
	store := NewMemoryStorage()
	c := newTestCache(t, store)
	c.Put(PersistedRef("c9"), []Message{msg("m0", "c9", "u2", "earlier", 0)})
	c.Append(DraftRef(), pending("temp-1", "", "u1", "one", 1))
	c.Append(DraftRef(), pending("temp-2", "", "u1", "two", 2))
	c.Append(DraftRef(), pending("temp-3", "", "u1", "three", 3))

	moved := c.PromoteDraft("c9")

	assert.Equal(t, []string{"m0", "temp-1", "temp-2", "temp-3"}, ids(moved))
	for _, m := range moved {
		assert.Equal(t, "c9", m.ConversationID)
	}
	assert.False(t, c.Has(DraftRef()))
	assert.Empty(t, c.Messages(DraftRef()))

	reloaded := newTestCache(t, store)
	assert.False(t, reloaded.Has(DraftRef()))
	assert.Len(t, reloaded.Messages(PersistedRef("c9")), 4)
}

func TestMessageCachePromoteDraftDropsEchoedProvisionals(t *testing.T) {
	c := newTestCache(t, NewMemoryStorage())
	c.Append(DraftRef(), pending("temp-hello", "", "u1", "Hello", 1))
	c.Append(DraftRef(), pending("temp-more", "", "u1", "more", 2))
	// The echo of the first message reached the new conversation first.
	c.ApplyIncoming(PersistedRef("c9"), msg("m1", "c9", "u1", "Hello", 1))

	moved := c.PromoteDraft("c9")

	assert.Equal(t, []string{"m1", "temp-more"}, ids(moved))
	assert.False(t, c.Has(DraftRef()))
}

func TestMessageCacheFoldKeepsUnechoedMessages(t *testing.T) {
	c := newTestCache(t, NewMemoryStorage())
	c.Put(PersistedRef("c9"), []Message{msg("m0", "c9", "u2", "earlier", 0)})

	folded := c.Fold("c9", []Message{pending("temp-1", "", "u1", "hi", 1)})

	assert.Equal(t, []string{"m0", "temp-1"}, ids(folded))
	assert.Equal(t, "c9", folded[1].ConversationID)
}

func TestMessageCacheRemoveAndClear(t *testing.T) {
	store := NewMemoryStorage()
	c := newTestCache(t, store)
	c.Append(PersistedRef("c1"), pending("temp-1", "c1", "u1", "x", 1))
	c.Append(DraftRef(), pending("temp-2", "", "u1", "y", 1))

	assert.True(t, c.Remove("temp-1"))
	assert.True(t, c.Remove("temp-2"))
	assert.False(t, c.Remove("temp-1"))
	assert.Empty(t, c.Messages(PersistedRef("c1")))

	require.NoError(t, c.Clear())
	_, ok, err := store.Get(MessageCacheKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageCacheMergeAndIncoming(t *testing.T) {
	c := newTestCache(t, NewMemoryStorage())
	ref := PersistedRef("c1")
	c.Append(ref, pending("temp-1", "c1", "u1", "hi", 2))

	merged := c.Merge(ref, []Message{msg("m1", "c1", "u2", "hello", 1)})
	assert.Equal(t, []string{"m1", "temp-1"}, ids(merged))

	assert.True(t, c.ApplyIncoming(ref, msg("m2", "c1", "u1", "hi", 2)))
	assert.Equal(t, []string{"m1", "m2"}, ids(c.Messages(ref)))
	assert.False(t, c.ApplyIncoming(ref, msg("m2", "c1", "u1", "hi", 2)))
}
