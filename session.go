package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ChatAPI is the REST surface a Session needs. *Client implements it.
type ChatAPI interface {
	SetToken(token string)
	ListConversations(ctx context.Context) ([]Conversation, error)
	SendMessage(ctx context.Context, recipientID, content string) (*SendResult, error)
	MarkAsRead(ctx context.Context, conversationID string) error
}

// SessionConfig wires a Session to its collaborators.
type SessionConfig struct {
	API       ChatAPI
	Transport Transport
	Storage   Storage
	// UserID overrides the id otherwise read from the token claims.
	UserID            string
	TypingQuietPeriod time.Duration
	BackgroundTimeout time.Duration
}

func (c *SessionConfig) defaults() {
	if c.TypingQuietPeriod == 0 {
		c.TypingQuietPeriod = DefaultTypingQuietPeriod
	}
	if c.BackgroundTimeout == 0 {
		c.BackgroundTimeout = 30 * time.Second
	}
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

func WithSessionLogger(log zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithClock replaces time.Now for provisional message timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithIDGenerator replaces the provisional id generator.
func WithIDGenerator(gen func() string) SessionOption {
	return func(s *Session) { s.newID = gen }
}

// NewProvisionalID returns a temp-<millis>-<random> message id.
func NewProvisionalID() string {
	return fmt.Sprintf("%s%d-%s", ProvisionalPrefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Session is the chat state of one authenticated user: the realtime
// connection, the message cache, the conversation list and the active
// conversation. It is created on login, started with Start and torn down
// with Stop.
type Session struct {
	sessionEmitter

	cfg       SessionConfig
	api       ChatAPI
	transport Transport
	storage   Storage
	log       zerolog.Logger
	metrics   *Metrics
	now       func() time.Time
	newID     func() string

	mu             sync.Mutex
	running        bool
	selfID         string
	cache          *MessageCache
	list           ConversationList
	active         *ActiveConversation
	draftRecipient string
	draftGen       uint64
	pendingService *ServicePreview
	bgCtx          context.Context
	bgCancel       context.CancelFunc
	bg             sync.WaitGroup

	fetches  singleflight.Group
	presence *PresenceSet
	typing   *TypingSet
	typingDb *Debouncer
}

// NewSession builds a session. Nothing touches the network until Start.
func NewSession(cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("chatsync: session needs an API client")
	}
	if cfg.Transport == nil {
		return nil, errors.New("chatsync: session needs a transport")
	}
	if cfg.Storage == nil {
		return nil, errors.New("chatsync: session needs storage")
	}
	cfg.defaults()

	s := &Session{
		cfg:       cfg,
		api:       cfg.API,
		transport: cfg.Transport,
		storage:   cfg.Storage,
		log:       zerolog.Nop(),
		now:       time.Now,
		newID:     NewProvisionalID,
		presence:  NewPresenceSet(),
		typing:    NewTypingSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.log = s.log.With().Str("component", "chat-session").Logger()
	s.cache = NewMessageCache(cfg.Storage, s.log)
	s.typingDb = NewDebouncer(cfg.TypingQuietPeriod, func() {
		ctx, cancel := s.backgroundContext()
		defer cancel()
		s.emitTyping(ctx, false)
	})
	s.registerHandlers()
	return s, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start loads the token and cached history and opens the realtime
// connection. A failed connect is returned but leaves the session running, so
// the cache and REST calls stay usable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	raw, ok, err := s.storage.Get(TokenKey)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("read token: %w", err)
	}
	token := string(raw)
	if !ok || token == "" {
		s.mu.Unlock()
		return ErrNoToken
	}

	selfID := s.cfg.UserID
	if selfID == "" {
		if selfID, err = UserIDFromToken(token); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("resolve current user: %w", err)
		}
	}

	if err := s.cache.Load(); err != nil {
		s.log.Warn().Err(err).Msg("starting with an empty message cache")
	}

	s.selfID = selfID
	s.api.SetToken(token)
	s.transport.SetToken(token)
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	s.log.Info().Str("user_id", selfID).Msg("chat session started")

	if err := s.transport.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("realtime connect failed")
		return fmt.Errorf("connect realtime: %w", err)
	}
	return nil
}

// Stop closes the connection without reconnecting and drops ephemeral state.
// The session can be started again.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.bgCancel()
	s.active = nil
	s.pendingService = nil
	s.mu.Unlock()

	s.typingDb.Cancel()
	if err := s.transport.Disconnect(); err != nil {
		s.log.Debug().Err(err).Msg("realtime disconnect")
	}
	s.bg.Wait()
	s.presence.clear()
	s.metrics.Connected.Set(0)
	s.log.Info().Msg("chat session stopped")
}

// SetAuthenticated starts the session on login and stops it on logout.
func (s *Session) SetAuthenticated(ctx context.Context, authenticated bool) error {
	if authenticated {
		return s.Start(ctx)
	}
	s.Stop()
	return nil
}

// Logout stops the session and forgets the token and cached messages.
func (s *Session) Logout() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list.Replace(nil)
	s.draftRecipient = ""
	s.draftGen++
	if err := s.storage.Delete(TokenKey); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if err := s.cache.Clear(); err != nil {
		return fmt.Errorf("clear message cache: %w", err)
	}
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Connected reports whether the realtime channel is up.
func (s *Session) Connected() bool {
	return s.transport.State() == StateConnected
}

// State returns the realtime connection state.
func (s *Session) State() RealtimeState {
	return s.transport.State()
}

// SelfID returns the id of the signed-in user.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Session) backgroundContext() (context.Context, context.CancelFunc) {
	s.mu.Lock()
	parent := s.bgCtx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.cfg.BackgroundTimeout)
}

// goBackground runs fn unless the session is stopping. Stop waits for it.
func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	parent := s.bgCtx
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(parent, s.cfg.BackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// ============================================================================
// Transport events
// ============================================================================

func (s *Session) registerHandlers() {
	s.transport.OnConnected(s.handleConnected)
	s.transport.OnDisconnected(s.handleDisconnected)
	s.transport.OnReconnecting(func(attempt int, delay time.Duration) {
		s.metrics.Reconnects.Inc()
		s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	})
	s.transport.OnNewMessage(s.handleNewMessage)
	s.transport.OnMessageHistory(s.handleHistory)
	s.transport.OnTyping(s.handleTyping)
	s.transport.OnUserOnline(func(userID string) {
		s.presence.Set(userID)
		s.emit(EventPresenceChanged, s.presence.List())
	})
	s.transport.OnUserOffline(func(userID string) {
		s.presence.Remove(userID)
		s.emit(EventPresenceChanged, s.presence.List())
	})
	s.transport.OnOnlineUsers(func(userIDs []string) {
		s.presence.Replace(userIDs)
		s.emit(EventPresenceChanged, s.presence.List())
	})
	s.transport.OnError(func(p RealtimeErrorPayload) {
		s.log.Warn().Str("error", p.Message).Msg("realtime server error")
	})
}

func (s *Session) handleConnected() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	var activeID string
	if s.active != nil {
		activeID, _ = s.active.Ref.ID()
	}
	s.mu.Unlock()

	s.metrics.Connected.Set(1)
	s.emit(EventConnectionChanged, true)

	// Repair any gap left while the socket was down.
	if activeID != "" {
		ctx, cancel := s.backgroundContext()
		defer cancel()
		s.requestHistory(ctx, activeID)
	}
}

func (s *Session) handleDisconnected(reason string) {
	s.metrics.Connected.Set(0)
	s.log.Info().Str("reason", reason).Msg("realtime disconnected")
	s.emit(EventConnectionChanged, false)
}

func (s *Session) handleNewMessage(msg Message) {
	if msg.ConversationID == "" || msg.ID == "" {
		s.log.Debug().Msg("ignoring message without ids")
		return
	}
	ref := PersistedRef(msg.ConversationID)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	var activeID string
	if s.active != nil {
		activeID, _ = s.active.Ref.ID()
	}
	changed := s.cache.ApplyIncoming(ref, msg)
	known := s.list.ApplyIncoming(msg, activeID, s.selfID)
	messages := s.cache.Messages(ref)
	unread := s.list.TotalUnread()
	conversations := s.list.Snapshot()
	s.mu.Unlock()

	s.metrics.MessagesReceived.Inc()
	if s.typing.StopUser(msg.ConversationID, msg.SenderID) {
		s.emit(EventTypingChanged, TypingPayload{ConversationID: msg.ConversationID, UserID: msg.SenderID})
	}
	if changed {
		s.emit(EventMessagesUpdated, MessagesUpdated{Ref: ref, Messages: messages})
	}
	if known {
		s.metrics.UnreadTotal.Set(float64(unread))
		s.emit(EventConversationsUpdated, conversations)
		return
	}

	// A summary can't be built from one message; ask the server.
	s.goBackground(func(ctx context.Context) {
		if _, err := s.FetchConversations(ctx); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("refresh after unknown conversation")
		}
	})
}

func (s *Session) handleHistory(history []Message) {
	if len(history) == 0 || history[0].ConversationID == "" {
		return
	}
	ref := PersistedRef(history[0].ConversationID)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	merged := s.cache.Merge(ref, history)
	s.mu.Unlock()

	s.metrics.HistoryMerges.Inc()
	s.emit(EventMessagesUpdated, MessagesUpdated{Ref: ref, Messages: merged})
}

func (s *Session) handleTyping(p TypingPayload) {
	if s.typing.Apply(p) {
		s.emit(EventTypingChanged, p)
	}
}

func (s *Session) requestHistory(ctx context.Context, conversationID string) {
	if err := s.transport.Emit(ctx, EventGetHistory, conversationID); err != nil {
		s.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("history request not sent")
	}
}

// ============================================================================
// Conversations
// ============================================================================

// FetchConversations replaces the conversation list with the server's. On
// failure the previous list is kept. Concurrent calls share one request, which
// runs on the session context; ctx only bounds how long this caller waits.
func (s *Session) FetchConversations(ctx context.Context) ([]Conversation, error) {
	if !s.Running() {
		return nil, ErrSessionStopped
	}
	// The shared request outlives any single caller's context.
	ch := s.fetches.DoChan("conversations", func() (any, error) {
		fetchCtx, cancel := s.backgroundContext()
		defer cancel()
		return s.api.ListConversations(fetchCtx)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch conversations: %w", ctx.Err())
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if err != nil {
		s.metrics.ConversationFetch.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("fetch conversations")
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	s.metrics.ConversationFetch.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.list.Replace(v.([]Conversation))
	list := s.list.Snapshot()
	unread := s.list.TotalUnread()
	s.mu.Unlock()

	s.metrics.UnreadTotal.Set(float64(unread))
	s.emit(EventConversationsUpdated, list)
	return list, nil
}

// Conversations returns the current list, most recent first.
func (s *Session) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Snapshot()
}

// TotalUnread sums the unread counts of every conversation.
func (s *Session) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.TotalUnread()
}

// OpenConversation makes conv the active conversation and returns whatever is
// cached for it. Fresh history is requested in the same call and arrives as
// an EventMessagesUpdated.
func (s *Session) OpenConversation(ctx context.Context, conv Conversation) ([]Message, error) {
	if conv.ID == "" {
		return nil, fmt.Errorf("open conversation: empty id")
	}
	ref := PersistedRef(conv.ID)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	participants := conv.Participants
	unread := conv.UnreadCount
	if known, ok := s.list.Get(conv.ID); ok {
		if len(participants) == 0 {
			participants = known.Participants
		}
		unread = known.UnreadCount
	}
	s.active = &ActiveConversation{Ref: ref, Participants: participants}
	cached := s.cache.Messages(ref)
	s.mu.Unlock()

	s.requestHistory(ctx, conv.ID)
	if unread > 0 {
		_ = s.MarkAsRead(ctx, conv.ID)
	}
	return cached, nil
}

// StartConversation opens the conversation with counterpart, or a draft when
// none exists yet.
func (s *Session) StartConversation(ctx context.Context, counterpart User) (ActiveConversation, []Message, error) {
	if counterpart.ID == "" {
		return ActiveConversation{}, nil, ErrNoRecipient
	}
	// A failed refresh falls back to the list already held.
	if _, err := s.FetchConversations(ctx); errors.Is(err, ErrSessionStopped) {
		return ActiveConversation{}, nil, err
	}

	s.mu.Lock()
	if conv, ok := s.list.FindByParticipant(counterpart.ID); ok {
		s.mu.Unlock()
		msgs, err := s.OpenConversation(ctx, conv)
		if err != nil {
			return ActiveConversation{}, nil, err
		}
		active, _ := s.Active()
		return active, msgs, nil
	}

	if !s.running {
		s.mu.Unlock()
		return ActiveConversation{}, nil, ErrSessionStopped
	}
	if s.draftRecipient != counterpart.ID {
		s.cache.ClearDraft()
		s.draftRecipient = counterpart.ID
		s.draftGen++
	}
	s.active = &ActiveConversation{
		Ref: DraftRef(),
		Participants: []Participant{
			{UserID: s.selfID, User: User{ID: s.selfID}},
			{UserID: counterpart.ID, User: counterpart},
		},
	}
	active := *s.active
	msgs := s.cache.Messages(DraftRef())
	s.mu.Unlock()

	s.log.Debug().Str("recipient_id", counterpart.ID).Msg("opened draft conversation")
	return active, msgs, nil
}

// CloseConversation clears the active conversation.
func (s *Session) CloseConversation() {
	s.typingDb.Cancel()
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

// Active returns the open conversation.
func (s *Session) Active() (ActiveConversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ActiveConversation{}, false
	}
	return *s.active, true
}

// Messages returns the cached messages for ref.
func (s *Session) Messages(ref ConversationRef) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Messages(ref)
}

// MarkAsRead persists the read state, then zeroes the local unread count.
// A failed call leaves the count untouched.
func (s *Session) MarkAsRead(ctx context.Context, conversationID string) error {
	if err := s.api.MarkAsRead(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark as read")
		return fmt.Errorf("mark as read: %w", err)
	}

	s.mu.Lock()
	changed := s.list.ResetUnread(conversationID)
	list := s.list.Snapshot()
	unread := s.list.TotalUnread()
	s.mu.Unlock()

	if changed {
		s.metrics.UnreadTotal.Set(float64(unread))
		s.emit(EventConversationsUpdated, list)
	}
	return nil
}

// ============================================================================
// Presence & typing
// ============================================================================

// IsOnline reports whether userID is currently seen online.
func (s *Session) IsOnline(userID string) bool {
	return s.presence.IsOnline(userID)
}

// OnlineUsers lists the users currently seen online.
func (s *Session) OnlineUsers() []string {
	return s.presence.List()
}

// TypingUsers lists the remote users typing in a conversation.
func (s *Session) TypingUsers(conversationID string) []string {
	return s.typing.Typing(conversationID)
}

// NotifyTyping signals typing=true now and typing=false after the quiet
// period unless called again.
func (s *Session) NotifyTyping(ctx context.Context) {
	s.emitTyping(ctx, true)
	s.typingDb.Trigger()
}

func (s *Session) stopTyping(ctx context.Context) {
	s.typingDb.Cancel()
	s.emitTyping(ctx, false)
}

func (s *Session) emitTyping(ctx context.Context, typing bool) {
	s.mu.Lock()
	if !s.running || s.active == nil {
		s.mu.Unlock()
		return
	}
	recipient, ok := s.active.Recipient(s.selfID)
	conversationID, _ := s.active.Ref.ID()
	s.mu.Unlock()
	if !ok {
		return
	}

	err := s.transport.Emit(ctx, EventTyping, TypingPayload{
		ConversationID: conversationID,
		RecipientID:    recipient.ID(),
		IsTyping:       typing,
	})
	if err != nil {
		s.log.Debug().Err(err).Bool("typing", typing).Msg("typing signal not sent")
	}
}

// ============================================================================
// Pending service
// ============================================================================

// AttachService marks the next message as an inquiry about preview.
func (s *Session) AttachService(preview ServicePreview) {
	s.mu.Lock()
	s.pendingService = &preview
	s.mu.Unlock()
}

// PendingService returns the attached service, if any.
func (s *Session) PendingService() (ServicePreview, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingService == nil {
		return ServicePreview{}, false
	}
	return *s.pendingService, true
}

// ClearPendingService dismisses the attached service.
func (s *Session) ClearPendingService() {
	s.mu.Lock()
	s.pendingService = nil
	s.mu.Unlock()
}
