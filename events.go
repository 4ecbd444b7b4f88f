package chatsync

import "sync"

// Session event names.
const (
	EventMessagesUpdated      = "messages.updated"
	EventConversationsUpdated = "conversations.updated"
	EventConnectionChanged    = "connection.changed"
	EventTypingChanged        = "typing.changed"
	EventPresenceChanged      = "presence.changed"
	EventMessageFailed        = "message.failed"
)

// MessagesUpdated is the payload of EventMessagesUpdated.
type MessagesUpdated struct {
	Ref      ConversationRef
	Messages []Message
}

// MessageFailed is the payload of EventMessageFailed.
type MessageFailed struct {
	ProvisionalID string
	Err           error
}

// SessionEventHandler handles session events.
type SessionEventHandler func(event string, payload any)

type sessionEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SessionEventHandler
}

// On registers a listener for event.
func (e *sessionEmitter) On(event string, handler SessionEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]SessionEventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *sessionEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]SessionEventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}
