package chatsync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed chat API call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat api %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("chat api %d: %s", e.Status, e.Message)
}

var (
	// ErrNoToken is returned by Session.Start when the store holds no bearer token.
	ErrNoToken = errors.New("chatsync: no auth token in storage")
	// ErrNoRecipient is returned when the active conversation has no counterpart.
	ErrNoRecipient = errors.New("chatsync: no recipient in active conversation")
	// ErrNoActiveConversation is returned when an operation needs an open conversation.
	ErrNoActiveConversation = errors.New("chatsync: no active conversation")
	// ErrNotConnected is returned by the transport when no socket is open.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrSessionStopped is returned by operations on a session that is not running.
	ErrSessionStopped = errors.New("chatsync: session not running")
	// ErrEmptyMessage is returned when asked to send nothing.
	ErrEmptyMessage = errors.New("chatsync: empty message")
)

// ============================================================================
// Users
// ============================================================================

// User is the public summary of an account.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Participant is one side of a two-party conversation.
type Participant struct {
	UserID string `json:"userId"`
	User   User   `json:"user"`
}

// ID returns the participant user id.
func (p Participant) ID() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.User.ID
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus tags a cached message as locally pending or server confirmed.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

// ProvisionalPrefix marks client-generated message ids.
const ProvisionalPrefix = "temp-"

// Message is a single chat message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	Sender         *User         `json:"sender,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Provisional reports whether the message has not been confirmed by the server yet.
func (m Message) Provisional() bool {
	return m.Status == StatusPending || strings.HasPrefix(m.ID, ProvisionalPrefix)
}

func (m Message) confirmed() Message {
	if m.Status == "" {
		m.Status = StatusConfirmed
	}
	return m
}

// LastMessage is the denormalized preview kept on a conversation summary.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

func lastMessageOf(m Message) *LastMessage {
	return &LastMessage{Content: m.Content, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a conversation summary as returned by GET /api/chat.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
}

// Counterpart returns the participant that is not selfID.
func (c Conversation) Counterpart(selfID string) (Participant, bool) {
	return counterpart(c.Participants, selfID)
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID() == userID {
			return true
		}
	}
	return false
}

func counterpart(ps []Participant, selfID string) (Participant, bool) {
	for _, p := range ps {
		if id := p.ID(); id != "" && id != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// ConversationRef identifies a conversation that is either a local draft or
// persisted on the server. The zero value is a draft.
type ConversationRef struct {
	id string
}

// DraftRef returns the reference of a not yet persisted conversation.
func DraftRef() ConversationRef { return ConversationRef{} }

// PersistedRef returns the reference of a server conversation.
func PersistedRef(id string) ConversationRef { return ConversationRef{id: id} }

// IsDraft reports whether the conversation has no server id yet.
func (r ConversationRef) IsDraft() bool { return r.id == "" }

// ID returns the server id, if any.
func (r ConversationRef) ID() (string, bool) { return r.id, r.id != "" }

func (r ConversationRef) String() string {
	if r.IsDraft() {
		return "draft"
	}
	return r.id
}

// ActiveConversation is the conversation currently open in the UI.
type ActiveConversation struct {
	Ref          ConversationRef
	Participants []Participant
}

// Recipient resolves the other participant.
func (a ActiveConversation) Recipient(selfID string) (Participant, bool) {
	return counterpart(a.Participants, selfID)
}

// ============================================================================
// Realtime payloads
// ============================================================================

// TypingPayload is exchanged on the typing events.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	RecipientID    string `json:"recipientId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// PresencePayload is sent when a user goes online or offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}
