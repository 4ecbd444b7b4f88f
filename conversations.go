package chatsync

// ConversationList keeps conversation summaries most-recent-first with one
// entry per id. It is not goroutine-safe; the Session serializes access.
type ConversationList struct {
	items []Conversation
}

// Replace installs an authoritative list, dropping duplicate ids.
func (l *ConversationList) Replace(list []Conversation) {
	seen := make(map[string]struct{}, len(list))
	items := make([]Conversation, 0, len(list))
	for _, c := range list {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		items = append(items, c)
	}
	l.items = items
}

// Snapshot returns a copy of the list.
func (l *ConversationList) Snapshot() []Conversation {
	return append([]Conversation(nil), l.items...)
}

// Len returns the number of conversations.
func (l *ConversationList) Len() int { return len(l.items) }

// Get looks a conversation up by id.
func (l *ConversationList) Get(id string) (Conversation, bool) {
	if i := l.index(id); i >= 0 {
		return l.items[i], true
	}
	return Conversation{}, false
}

// FindByParticipant returns the first conversation userID takes part in.
func (l *ConversationList) FindByParticipant(userID string) (Conversation, bool) {
	for _, c := range l.items {
		if c.HasParticipant(userID) {
			return c, true
		}
	}
	return Conversation{}, false
}

// ApplyIncoming records a live message on its conversation and moves it to the
// front. Unread is bumped unless the conversation is open or selfID sent it.
// It returns false when the conversation is unknown.
func (l *ConversationList) ApplyIncoming(msg Message, activeID, selfID string) bool {
	i := l.index(msg.ConversationID)
	if i < 0 {
		return false
	}
	c := l.items[i]
	c.LastMessage = lastMessageOf(msg)
	c.UpdatedAt = msg.CreatedAt
	if msg.ConversationID != activeID && msg.SenderID != selfID {
		c.UnreadCount++
	}
	l.moveToFront(i, c)
	return true
}

// Touch records an optimistic last message and moves the entry to the front.
func (l *ConversationList) Touch(id string, last LastMessage) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	c := l.items[i]
	c.LastMessage = &last
	c.UpdatedAt = last.CreatedAt
	l.moveToFront(i, c)
	return true
}

// ResetUnread zeroes the unread count of id.
func (l *ConversationList) ResetUnread(id string) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.items[i].UnreadCount = 0
	return true
}

// TotalUnread sums unread counts across every conversation.
func (l *ConversationList) TotalUnread() int {
	total := 0
	for _, c := range l.items {
		total += c.UnreadCount
	}
	return total
}

func (l *ConversationList) index(id string) int {
	for i, c := range l.items {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (l *ConversationList) moveToFront(i int, c Conversation) {
	copy(l.items[1:i+1], l.items[:i])
	l.items[0] = c
}

// restoreLast puts back the last message an optimistic Touch replaced.
func (l *ConversationList) restoreLast(id string, last *LastMessage) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.items[i].LastMessage = last
	if last != nil {
		l.items[i].UpdatedAt = last.CreatedAt
	}
	return true
}
