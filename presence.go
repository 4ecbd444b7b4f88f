package chatsync

import (
	"sort"
	"sync"
)

// PresenceSet tracks which users are online. It is display-only state.
type PresenceSet struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresenceSet creates an empty set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{online: make(map[string]struct{})}
}

func (p *PresenceSet) Set(userID string) {
	p.mu.Lock()
	p.online[userID] = struct{}{}
	p.mu.Unlock()
}

func (p *PresenceSet) Remove(userID string) {
	p.mu.Lock()
	delete(p.online, userID)
	p.mu.Unlock()
}

// Replace installs the full online list.
func (p *PresenceSet) Replace(userIDs []string) {
	online := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		online[id] = struct{}{}
	}
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
}

func (p *PresenceSet) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// List returns the online ids sorted.
func (p *PresenceSet) List() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (p *PresenceSet) clear() {
	p.Replace(nil)
}

// TypingSet tracks which remote users are typing in which conversation.
type TypingSet struct {
	mu     sync.RWMutex
	typing map[string]map[string]struct{}
}

// NewTypingSet creates an empty set.
func NewTypingSet() *TypingSet {
	return &TypingSet{typing: make(map[string]map[string]struct{})}
}

// Apply records a typing indicator and reports whether anything changed.
func (t *TypingSet) Apply(p TypingPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[p.ConversationID]
	_, was := users[p.UserID]
	if p.IsTyping == was {
		return false
	}
	if p.IsTyping {
		if users == nil {
			users = make(map[string]struct{})
			t.typing[p.ConversationID] = users
		}
		users[p.UserID] = struct{}{}
		return true
	}
	delete(users, p.UserID)
	if len(users) == 0 {
		delete(t.typing, p.ConversationID)
	}
	return true
}

// Typing lists the users typing in a conversation.
func (t *TypingSet) Typing(conversationID string) []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.typing[conversationID]))
	for id := range t.typing[conversationID] {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// StopUser clears the indicator of userID in conversationID, e.g. when their
// message arrives.
func (t *TypingSet) StopUser(conversationID, userID string) bool {
	return t.Apply(TypingPayload{ConversationID: conversationID, UserID: userID, IsTyping: false})
}
