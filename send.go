package chatsync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SendMessage sends text to the counterpart of the active conversation.
//
// The message is cached as provisional before the API call and appears at
// once through EventMessagesUpdated. On success a draft conversation is
// promoted to the id the server assigned and fresh history is requested, which
// replaces the provisional copy with the confirmed one. On failure the
// provisional message is removed and EventMessageFailed is emitted; nothing
// is retried.
//
// When a service is attached the content is sent as a service inquiry and the
// attachment is cleared once the send succeeds.
func (s *Session) SendMessage(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return Message{}, ErrSessionStopped
	}
	if s.active == nil {
		s.mu.Unlock()
		return Message{}, ErrNoActiveConversation
	}
	recipient, ok := s.active.Recipient(s.selfID)
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrNoRecipient
	}
	content := text
	if s.pendingService != nil {
		encoded, err := EncodeServiceInquiry(*s.pendingService, text)
		if err != nil {
			s.mu.Unlock()
			return Message{}, err
		}
		content = encoded
	} else if text == "" {
		s.mu.Unlock()
		return Message{}, ErrEmptyMessage
	}

	ref := s.active.Ref
	conversationID, persisted := ref.ID()
	draftGen := s.draftGen
	provisional := Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Content:        content,
		CreatedAt:      s.now(),
		Status:         StatusPending,
	}
	s.cache.Append(ref, provisional)

	var previous *LastMessage
	touched := false
	if persisted {
		if conv, ok := s.list.Get(conversationID); ok {
			previous = conv.LastMessage
		}
		touched = s.list.Touch(conversationID, *lastMessageOf(provisional))
	}
	messages := s.cache.Messages(ref)
	list := s.list.Snapshot()
	s.mu.Unlock()

	s.emit(EventMessagesUpdated, MessagesUpdated{Ref: ref, Messages: messages})
	if touched {
		s.emit(EventConversationsUpdated, list)
	}
	s.stopTyping(ctx)

	start := time.Now()
	result, err := s.api.SendMessage(ctx, recipient.ID(), content)
	s.metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.rollback(ref, provisional, previous, touched)
		s.metrics.MessagesFailed.Inc()
		s.log.Warn().Err(err).Str("conversation", ref.String()).Msg("send failed, rolled back")
		s.emit(EventMessageFailed, MessageFailed{ProvisionalID: provisional.ID, Err: err})
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	s.metrics.MessagesSent.Inc()

	s.ClearPendingService()

	if persisted {
		s.requestHistory(ctx, conversationID)
		return provisional, nil
	}

	provisional.ConversationID = result.ID
	sent := s.promoteDraft(result.ID, draftGen, provisional)
	if _, err := s.FetchConversations(ctx); err != nil {
		s.log.Debug().Err(err).Msg("conversation list not refreshed after first message")
	}
	s.requestHistory(ctx, result.ID)
	s.emit(EventMessagesUpdated, MessagesUpdated{Ref: PersistedRef(result.ID), Messages: sent})
	return provisional, nil
}

// promoteDraft moves the draft cache under id and repoints the active
// conversation when it is still the draft. If the draft the send started from
// was replaced in the meantime only the sent message is filed under id.
func (s *Session) promoteDraft(id string, gen uint64, sent Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.DraftsPromoted.Inc()
	if gen != s.draftGen {
		s.cache.Remove(sent.ID)
		s.log.Info().Str("conversation_id", id).Msg("draft replaced during send, filing sent message only")
		return s.cache.Fold(id, []Message{sent})
	}
	msgs := s.cache.PromoteDraft(id)
	if s.active != nil && s.active.Ref.IsDraft() {
		s.active.Ref = PersistedRef(id)
	}
	s.draftRecipient = ""
	s.draftGen++
	s.log.Info().Str("conversation_id", id).Msg("draft conversation persisted")
	return msgs
}

func (s *Session) rollback(ref ConversationRef, provisional Message, previous *LastMessage, touched bool) {
	s.mu.Lock()
	s.cache.Remove(provisional.ID)
	restored := false
	if touched {
		id, _ := ref.ID()
		if conv, ok := s.list.Get(id); ok && conv.LastMessage != nil && *conv.LastMessage == *lastMessageOf(provisional) {
			restored = s.list.restoreLast(id, previous)
		}
	}
	messages := s.cache.Messages(ref)
	list := s.list.Snapshot()
	s.mu.Unlock()

	s.emit(EventMessagesUpdated, MessagesUpdated{Ref: ref, Messages: messages})
	if restored {
		s.emit(EventConversationsUpdated, list)
	}
}
