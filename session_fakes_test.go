package chatsync

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Fake transport
// ============================================================================

type emittedEvent struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu         sync.Mutex
	state      RealtimeState
	token      string
	connectErr error
	connects   int
	emits      []emittedEvent

	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
	onNewMessage   []func(Message)
	onHistory      []func([]Message)
	onTyping       []func(TypingPayload)
	onUserOnline   []func(string)
	onUserOffline  []func(string)
	onOnlineUsers  []func([]string)
	onError        []func(RealtimeErrorPayload)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: StateDisconnected}
}

func (f *fakeTransport) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.connects++
	f.mu.Unlock()
	f.fireConnected()
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.fireDisconnected("client disconnect")
	return nil
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.emits = append(f.emits, emittedEvent{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnConnected(h func())                     { f.onConnected = append(f.onConnected, h) }
func (f *fakeTransport) OnDisconnected(h func(string))            { f.onDisconnected = append(f.onDisconnected, h) }
func (f *fakeTransport) OnReconnecting(h func(int, time.Duration)) { f.onReconnecting = append(f.onReconnecting, h) }
func (f *fakeTransport) OnNewMessage(h func(Message))             { f.onNewMessage = append(f.onNewMessage, h) }
func (f *fakeTransport) OnMessageHistory(h func([]Message))       { f.onHistory = append(f.onHistory, h) }
func (f *fakeTransport) OnTyping(h func(TypingPayload))           { f.onTyping = append(f.onTyping, h) }
func (f *fakeTransport) OnUserOnline(h func(string))              { f.onUserOnline = append(f.onUserOnline, h) }
func (f *fakeTransport) OnUserOffline(h func(string))             { f.onUserOffline = append(f.onUserOffline, h) }
func (f *fakeTransport) OnOnlineUsers(h func([]string))           { f.onOnlineUsers = append(f.onOnlineUsers, h) }
func (f *fakeTransport) OnError(h func(RealtimeErrorPayload))     { f.onError = append(f.onError, h) }

func (f *fakeTransport) fireConnected() {
	f.mu.Lock()
	f.state = StateConnected
	f.mu.Unlock()
	for _, h := range f.onConnected {
		h()
	}
}

func (f *fakeTransport) fireDisconnected(reason string) {
	f.mu.Lock()
	was := f.state
	f.state = StateDisconnected
	f.mu.Unlock()
	if was == StateDisconnected {
		return
	}
	for _, h := range f.onDisconnected {
		h(reason)
	}
}

func (f *fakeTransport) fireReconnecting(attempt int) {
	for _, h := range f.onReconnecting {
		h(attempt, time.Millisecond)
	}
}

func (f *fakeTransport) fireNewMessage(m Message) {
	for _, h := range f.onNewMessage {
		h(m)
	}
}

func (f *fakeTransport) fireHistory(ms []Message) {
	for _, h := range f.onHistory {
		h(ms)
	}
}

func (f *fakeTransport) fireTyping(p TypingPayload) {
	for _, h := range f.onTyping {
		h(p)
	}
}

func (f *fakeTransport) fireOnline(id string) {
	for _, h := range f.onUserOnline {
		h(id)
	}
}

func (f *fakeTransport) fireOffline(id string) {
	for _, h := range f.onUserOffline {
		h(id)
	}
}

func (f *fakeTransport) fireOnlineUsers(ids []string) {
	for _, h := range f.onOnlineUsers {
		h(ids)
	}
}

// emitted returns the payloads sent for event.
func (f *fakeTransport) emitted(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeTransport) typingSignals() []TypingPayload {
	var out []TypingPayload
	for _, p := range f.emitted(EventTyping) {
		out = append(out, p.(TypingPayload))
	}
	return out
}

// ============================================================================
// Fake chat API
// ============================================================================

type sentCall struct {
	recipientID string
	content     string
}

type fakeAPI struct {
	mu            sync.Mutex
	token         string
	conversations []Conversation
	listErr       error
	listCalls     int
	sendID        string
	sendErr       error
	sends         []sentCall
	afterSend     func(a *fakeAPI)
	markErr       error
	marked        []string

	// A non-nil gate holds the call until it is closed; entered is signalled
	// once the call is waiting on it.
	sendGate    chan struct{}
	sendEntered chan struct{}
	listGate    chan struct{}
	listEntered chan struct{}
	listCtxErr  error
}

func (a *fakeAPI) hold(gate, entered chan struct{}) {
	if gate == nil {
		return
	}
	if entered != nil {
		entered <- struct{}{}
	}
	<-gate
}

func (a *fakeAPI) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	a.mu.Lock()
	gate, entered := a.listGate, a.listEntered
	a.mu.Unlock()
	a.hold(gate, entered)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	a.listCtxErr = ctx.Err()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]Conversation(nil), a.conversations...), nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, recipientID, content string) (*SendResult, error) {
	a.mu.Lock()
	gate, entered := a.sendGate, a.sendEntered
	a.mu.Unlock()
	a.hold(gate, entered)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, sentCall{recipientID: recipientID, content: content})
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	if a.afterSend != nil {
		a.afterSend(a)
	}
	return &SendResult{ID: a.sendID}, nil
}

func (a *fakeAPI) MarkAsRead(ctx context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markErr != nil {
		return a.markErr
	}
	a.marked = append(a.marked, conversationID)
	return nil
}

func (a *fakeAPI) set(fn func(a *fakeAPI)) {
	a.mu.Lock()
	fn(a)
	a.mu.Unlock()
}

func (a *fakeAPI) calls() (list int, sends []sentCall, marked []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls, append([]sentCall(nil), a.sends...), append([]string(nil), a.marked...)
}

// ============================================================================
// Event capture
// ============================================================================

type eventLog struct {
	mu       sync.Mutex
	payloads []any
}

func capture(s *Session, event string) *eventLog {
	l := &eventLog{}
	s.On(event, func(_ string, payload any) {
		l.mu.Lock()
		l.payloads = append(l.payloads, payload)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) all() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.payloads...)
}
