package chatsync

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// legacyDraftKey is the key older snapshots used for the draft conversation.
const legacyDraftKey = "new"

// cacheSnapshot is the persisted form of a MessageCache.
type cacheSnapshot struct {
	Conversations map[string][]Message `json:"conversations"`
	Draft         []Message            `json:"draft,omitempty"`
}

// MessageCache maps conversations to their ordered message lists and writes
// through to Storage after every mutation. It is not goroutine-safe; the
// Session serializes access.
type MessageCache struct {
	persisted map[string][]Message
	draft     []Message
	storage   Storage
	key       string
	log       zerolog.Logger
}

// NewMessageCache creates an empty cache persisted under MessageCacheKey.
func NewMessageCache(storage Storage, log zerolog.Logger) *MessageCache {
	return &MessageCache{
		persisted: make(map[string][]Message),
		storage:   storage,
		key:       MessageCacheKey,
		log:       log.With().Str("component", "message-cache").Logger(),
	}
}

// Load rehydrates the cache from storage. A missing or unreadable snapshot
// leaves the cache empty.
func (c *MessageCache) Load() error {
	if c.storage == nil {
		return nil
	}
	data, ok, err := c.storage.Get(c.key)
	if err != nil {
		return fmt.Errorf("load message cache: %w", err)
	}
	if !ok || len(data) == 0 {
		return nil
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("discarding unreadable message cache")
		return nil
	}
	c.persisted = make(map[string][]Message, len(snap.Conversations))
	for id, msgs := range snap.Conversations {
		list := append([]Message(nil), msgs...)
		SortMessages(list)
		c.persisted[id] = DedupeByID(list)
	}
	c.draft = append([]Message(nil), snap.Draft...)
	return nil
}

func decodeSnapshot(data []byte) (*cacheSnapshot, error) {
	var snap cacheSnapshot
	if err := json.Unmarshal(data, &snap); err == nil && snap.Conversations != nil {
		return &snap, nil
	}
	var flat map[string][]Message
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	snap = cacheSnapshot{Conversations: make(map[string][]Message, len(flat))}
	for k, v := range flat {
		if k == legacyDraftKey {
			snap.Draft = v
			continue
		}
		snap.Conversations[k] = v
	}
	return &snap, nil
}

func (c *MessageCache) persist() {
	if c.storage == nil {
		return
	}
	data, err := json.Marshal(cacheSnapshot{Conversations: c.persisted, Draft: c.draft})
	if err != nil {
		c.log.Warn().Err(err).Msg("encode message cache")
		return
	}
	if err := c.storage.Set(c.key, data); err != nil {
		c.log.Warn().Err(err).Msg("persist message cache")
	}
}

// Messages returns a copy of the cached list for ref.
func (c *MessageCache) Messages(ref ConversationRef) []Message {
	return append([]Message(nil), c.get(ref)...)
}

// Has reports whether anything is cached for ref.
func (c *MessageCache) Has(ref ConversationRef) bool {
	if ref.IsDraft() {
		return c.draft != nil
	}
	_, ok := c.persisted[ref.id]
	return ok
}

func (c *MessageCache) get(ref ConversationRef) []Message {
	if ref.IsDraft() {
		return c.draft
	}
	return c.persisted[ref.id]
}

func (c *MessageCache) set(ref ConversationRef, list []Message) {
	if ref.IsDraft() {
		c.draft = list
		return
	}
	c.persisted[ref.id] = list
}

// Put replaces the list for ref.
func (c *MessageCache) Put(ref ConversationRef, list []Message) {
	list = append([]Message(nil), list...)
	SortMessages(list)
	c.set(ref, DedupeByID(list))
	c.persist()
}

// Append adds msg at the tail of the list for ref.
func (c *MessageCache) Append(ref ConversationRef, msg Message) {
	c.set(ref, append(c.Messages(ref), msg))
	c.persist()
}

// Merge reconciles a history push for ref.
func (c *MessageCache) Merge(ref ConversationRef, history []Message) []Message {
	merged := MergeHistory(c.get(ref), history)
	c.set(ref, merged)
	c.persist()
	return append([]Message(nil), merged...)
}

// ApplyIncoming folds a live message into the list for ref.
func (c *MessageCache) ApplyIncoming(ref ConversationRef, msg Message) bool {
	list, changed := ApplyIncoming(c.get(ref), msg)
	if !changed {
		return false
	}
	c.set(ref, list)
	c.persist()
	return true
}

// Remove deletes the message id wherever it is cached.
func (c *MessageCache) Remove(id string) bool {
	removed := false
	if list, ok := RemoveMessage(c.draft, id); ok {
		c.draft = list
		removed = true
	}
	for key, msgs := range c.persisted {
		if list, ok := RemoveMessage(msgs, id); ok {
			c.persisted[key] = list
			removed = true
		}
	}
	if removed {
		c.persist()
	}
	return removed
}

// PromoteDraft moves every draft message under the persisted id, rewriting
// their conversation id, and drops the draft entry.
func (c *MessageCache) PromoteDraft(id string) []Message {
	draft := c.draft
	c.draft = nil
	return c.Fold(id, draft)
}

// Fold files msgs under the persisted id. A provisional message is dropped
// when a confirmed message with the same content is already cached there, as
// a live echo would have done had it arrived after the message.
func (c *MessageCache) Fold(id string, msgs []Message) []Message {
	existing := c.persisted[id]
	echoed := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		if !m.Provisional() {
			echoed[m.Content] = struct{}{}
		}
	}
	folded := make([]Message, 0, len(existing)+len(msgs))
	folded = append(folded, existing...)
	for _, m := range msgs {
		if _, ok := echoed[m.Content]; ok && m.Provisional() {
			continue
		}
		m.ConversationID = id
		folded = append(folded, m)
	}
	SortMessages(folded)
	c.persisted[id] = DedupeByID(folded)
	c.persist()
	return append([]Message(nil), c.persisted[id]...)
}

// ClearDraft drops the draft entry.
func (c *MessageCache) ClearDraft() {
	if c.draft == nil {
		return
	}
	c.draft = nil
	c.persist()
}

// Keys lists the persisted conversation ids with cached messages.
func (c *MessageCache) Keys() []string {
	keys := make([]string, 0, len(c.persisted))
	for k := range c.persisted {
		keys = append(keys, k)
	}
	return keys
}

// Clear drops everything, including the persisted snapshot.
func (c *MessageCache) Clear() error {
	c.persisted = make(map[string][]Message)
	c.draft = nil
	if c.storage == nil {
		return nil
	}
	return c.storage.Delete(c.key)
}
