package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Wire event names.
const (
	EventNewMessage     = "newMessage"
	EventMessageHistory = "messageHistory"
	EventUserTyping     = "userTyping"
	EventUserOnline     = "userOnline"
	EventUserOffline    = "userOffline"
	EventOnlineUsers    = "onlineUsers"
	EventError          = "error"

	EventGetHistory = "getHistory"
	EventTyping     = "typing"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server event.
type RealtimeCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

// DefaultRealtimeConfig returns the settings used when nil is passed.
func DefaultRealtimeConfig() *RealtimeConfig {
	c := &RealtimeConfig{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 4 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// Transport is the realtime channel a Session runs on.
type Transport interface {
	SetToken(token string)
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(ctx context.Context, event string, payload any) error
	State() RealtimeState

	OnConnected(h func())
	OnDisconnected(h func(reason string))
	OnReconnecting(h func(attempt int, delay time.Duration))
	OnNewMessage(h func(Message))
	OnMessageHistory(h func([]Message))
	OnTyping(h func(TypingPayload))
	OnUserOnline(h func(userID string))
	OnUserOffline(h func(userID string))
	OnOnlineUsers(h func(userIDs []string))
	OnError(h func(RealtimeErrorPayload))
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// eventDispatcher delivers events synchronously, in wire order, on the
// goroutine that received them.
type eventDispatcher struct {
	mu             sync.RWMutex
	log            zerolog.Logger
	generic        map[string][]RealtimeEventHandler
	onNewMessage   []func(Message)
	onHistory      []func([]Message)
	onTyping       []func(TypingPayload)
	onUserOnline   []func(string)
	onUserOffline  []func(string)
	onOnlineUsers  []func([]string)
	onError        []func(RealtimeErrorPayload)
	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher(log zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		log:     log,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func snapshot[T any](mu *sync.RWMutex, hs *[]T) []T {
	mu.RLock()
	defer mu.RUnlock()
	return append([]T(nil), (*hs)...)
}

func decodePayload[T any](d *eventDispatcher, env RealtimeEnvelope) (T, bool) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.log.Warn().Err(err).Str("event", env.Type).Msg("dropping malformed event")
		return p, false
	}
	return p, true
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case EventNewMessage:
		if p, ok := decodePayload[Message](d, env); ok {
			for _, h := range snapshot(&d.mu, &d.onNewMessage) {
				h(p)
			}
		}
	case EventMessageHistory:
		if p, ok := decodePayload[[]Message](d, env); ok {
			for _, h := range snapshot(&d.mu, &d.onHistory) {
				h(p)
			}
		}
	case EventUserTyping:
		if p, ok := decodePayload[TypingPayload](d, env); ok {
			for _, h := range snapshot(&d.mu, &d.onTyping) {
				h(p)
			}
		}
	case EventUserOnline, EventUserOffline:
		if p, ok := decodePayload[PresencePayload](d, env); ok {
			hs := &d.onUserOnline
			if env.Type == EventUserOffline {
				hs = &d.onUserOffline
			}
			for _, h := range snapshot(&d.mu, hs) {
				h(p.UserID)
			}
		}
	case EventOnlineUsers:
		if p, ok := decodePayload[[]string](d, env); ok {
			for _, h := range snapshot(&d.mu, &d.onOnlineUsers) {
				h(p)
			}
		}
	case EventError:
		if p, ok := decodePayload[RealtimeErrorPayload](d, env); ok {
			for _, h := range snapshot(&d.mu, &d.onError) {
				h(p)
			}
		}
	}

	d.mu.RLock()
	generic := append([]RealtimeEventHandler(nil), d.generic[env.Type]...)
	d.mu.RUnlock()
	for _, h := range generic {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	for _, h := range snapshot(&d.mu, &d.onConnected) {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	for _, h := range snapshot(&d.mu, &d.onDisconnected) {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	for _, h := range snapshot(&d.mu, &d.onReconnecting) {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a websocket client with bounded auto-reconnect and
// heartbeat.
type RealtimeClient struct {
	wsURL            string
	config           *RealtimeConfig
	log              zerolog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	runCtx           context.Context
	runCancel        context.CancelFunc
	connCancel       context.CancelFunc
}

// NewRealtimeClient creates a client for wsURL. A nil config uses
// DefaultRealtimeConfig.
func NewRealtimeClient(wsURL string, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = DefaultRealtimeConfig()
	}
	config.defaults()
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}
	log = log.With().Str("component", "realtime").Logger()
	return &RealtimeClient{
		wsURL:      wsURL,
		config:     config,
		log:        log,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(log),
		recon:      newReconnector(config),
	}
}

// SetToken sets the bearer token used on the next handshake.
func (ws *RealtimeClient) SetToken(token string) {
	ws.mu.Lock()
	ws.config.Token = token
	ws.mu.Unlock()
}

// OnNewMessage registers a handler for new messages.
func (ws *RealtimeClient) OnNewMessage(h func(Message)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onNewMessage = append(ws.dispatcher.onNewMessage, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageHistory registers a handler for history pushes.
func (ws *RealtimeClient) OnMessageHistory(h func([]Message)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onHistory = append(ws.dispatcher.onHistory, h)
	ws.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for remote typing indicators.
func (ws *RealtimeClient) OnTyping(h func(TypingPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

// OnUserOnline registers a handler for users coming online.
func (ws *RealtimeClient) OnUserOnline(h func(string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onUserOnline = append(ws.dispatcher.onUserOnline, h)
	ws.dispatcher.mu.Unlock()
}

// OnUserOffline registers a handler for users going offline.
func (ws *RealtimeClient) OnUserOffline(h func(string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onUserOffline = append(ws.dispatcher.onUserOffline, h)
	ws.dispatcher.mu.Unlock()
}

// OnOnlineUsers registers a handler for the full online list.
func (ws *RealtimeClient) OnOnlineUsers(h func([]string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onOnlineUsers = append(ws.dispatcher.onOnlineUsers, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler run after every successful (re)connect.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the websocket connection. It is a no-op while a
// connection is open or being established.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	if ws.runCtx == nil || ws.runCtx.Err() != nil {
		ws.runCtx, ws.runCancel = context.WithCancel(context.Background())
	}
	ws.recon.reset()
	ws.mu.Unlock()

	return ws.dial(ctx)
}

func (ws *RealtimeClient) dialURL() (string, http.Header, error) {
	u, err := url.Parse(ws.wsURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	header := http.Header{}
	ws.mu.Lock()
	token := ws.config.Token
	ws.mu.Unlock()
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}
	return u.String(), header, nil
}

func (ws *RealtimeClient) dial(ctx context.Context) error {
	ws.mu.Lock()
	ws.state = StateConnecting
	runCtx := ws.runCtx
	ws.mu.Unlock()

	fail := func(err error) error {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return err
	}

	target, header, err := ws.dialURL()
	if err != nil {
		return fail(err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	connCtx, cancel := context.WithCancel(runCtx)
	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fail(ErrNotConnected)
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.connCancel = cancel
	ws.recon.reset()
	ws.mu.Unlock()

	ws.log.Info().Str("url", ws.wsURL).Msg("realtime connected")
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops any reconnection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.runCancel != nil {
		ws.runCancel()
	}
	connCancel := ws.connCancel
	ws.connCancel = nil
	conn := ws.conn
	prev := ws.state
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if connCancel != nil {
		connCancel()
	}
	if prev != StateDisconnected {
		ws.dispatcher.emitDisconnected("client disconnect")
	}
	return err
}

// Emit sends an event to the server.
func (ws *RealtimeClient) Emit(ctx context.Context, event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(&RealtimeCommand{Type: event, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			// A newer connection may already own the client state.
			current := ws.conn == conn
			if current {
				ws.conn = nil
				ws.state = StateDisconnected
				if ws.connCancel != nil {
					ws.connCancel()
					ws.connCancel = nil
				}
			}
			ws.mu.Unlock()
			if intentional || !current {
				return
			}

			ws.log.Warn().Err(err).Msg("realtime connection lost")
			ws.dispatcher.emitDisconnected(err.Error())

			if ws.config.AutoReconnect {
				ws.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			ws.log.Debug().Int("bytes", len(data)).Msg("ignoring non-envelope frame")
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) reconnectLoop() {
	ws.mu.Lock()
	runCtx := ws.runCtx
	ws.mu.Unlock()

	for {
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		if !ws.recon.shouldReconnect() {
			ws.mu.Unlock()
			break
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.dispatcher.emitReconnecting(attempt, delay)

		select {
		case <-time.After(delay):
		case <-runCtx.Done():
			ws.setDisconnected()
			return
		}

		dialCtx, cancel := context.WithTimeout(runCtx, 15*time.Second)
		err := ws.dial(dialCtx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	ws.setDisconnected()
	ws.log.Error().Int("attempts", ws.config.MaxReconnectAttempts).Msg("giving up reconnecting")
}

func (ws *RealtimeClient) setDisconnected() {
	ws.mu.Lock()
	ws.state = StateDisconnected
	ws.mu.Unlock()
}
