// Package chatsync is the real-time chat client of the campus services
// marketplace.
//
// It keeps a local, durable message cache in sync with the chat backend:
// conversations are listed over REST, messages are sent optimistically and
// reconciled against history pushed over a websocket, and the session
// survives reconnects without losing unconfirmed messages.
//
// Example:
//
//	store, _ := chatsync.OpenSQLiteStorage(dir)
//	api := chatsync.NewClient("", chatsync.WithBaseURL("https://market.example"))
//	rt := chatsync.NewRealtimeClient("wss://market.example/ws", nil)
//	sess, _ := chatsync.NewSession(chatsync.SessionConfig{API: api, Transport: rt, Storage: store})
//	if err := sess.Start(ctx); err != nil { ... }
//	defer sess.Stop()
//
//	sess.StartConversation(ctx, chatsync.User{ID: "seller-1"})
//	sess.SendMessage(ctx, "Hi, is this still available?")
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL   = "http://localhost:3000"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "chatsync-go/1.0"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST endpoints under /api/chat.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
	log        zerolog.Logger
	http       *resty.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a chat API client. token may be empty and set later.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:     token,
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		timeout:   DefaultTimeout,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient != nil {
		c.http = resty.NewWithClient(c.httpClient)
	} else {
		c.http = resty.New()
	}
	c.http.
		SetBaseURL(c.baseURL).
		SetHeader("User-Agent", c.userAgent).
		SetHeader("Accept", "application/json").
		SetTimeout(c.timeout)
	c.log = c.log.With().Str("component", "chat-api").Logger()
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

type apiEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Error   json.RawMessage `json:"error"`
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if c.token != "" {
		r.SetAuthToken(c.token)
	}
	return r
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	r := c.request(ctx)
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("elapsed", resp.Time()).
		Msg("chat api call")
	if resp.IsError() {
		return nil, decodeAPIError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var env apiEnvelope
	if json.Unmarshal(body, &env) != nil {
		if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
			apiErr.Message = s
		}
		return apiErr
	}
	apiErr.Code = env.Code
	if env.Message != "" {
		apiErr.Message = env.Message
	}
	if len(env.Error) > 0 {
		var s string
		var obj struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(env.Error, &s) == nil && s != "":
			apiErr.Message = s
		case json.Unmarshal(env.Error, &obj) == nil && obj.Message != "":
			apiErr.Message = obj.Message
			if obj.Code != "" {
				apiErr.Code = obj.Code
			}
		}
	}
	return apiErr
}

// unwrap returns the data of a {success, data} envelope, or the body itself
// when the server answered without one.
func unwrap(status int, body []byte) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed), nil
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if env.Success != nil && !*env.Success {
		return nil, decodeAPIError(status, body)
	}
	if env.Success == nil && env.Data == nil {
		return json.RawMessage(trimmed), nil
	}
	return env.Data, nil
}

// ============================================================================
// Chat API Methods
// ============================================================================

// ListConversations fetches the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/chat", nil)
	if err != nil {
		return nil, err
	}
	data, err := unwrap(http.StatusOK, body)
	if err != nil {
		return nil, err
	}
	var list []Conversation
	if len(data) == 0 || string(data) == "null" {
		return list, nil
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return list, nil
}

// SendResult is the data returned by POST /api/chat.
type SendResult struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId,omitempty"`
	Message        *Message `json:"message,omitempty"`
}

// SendMessage creates a conversation with recipientID or appends to the
// existing one.
func (c *Client) SendMessage(ctx context.Context, recipientID, content string) (*SendResult, error) {
	payload := map[string]string{
		"recipientId":    recipientID,
		"initialMessage": content,
	}
	body, err := c.do(ctx, http.MethodPost, "/api/chat", payload)
	if err != nil {
		return nil, err
	}
	data, err := unwrap(http.StatusOK, body)
	if err != nil {
		return nil, err
	}
	var result SendResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode send result: %w", err)
	}
	if result.ID == "" {
		result.ID = result.ConversationID
	}
	if result.ID == "" {
		return nil, &APIError{Status: http.StatusOK, Code: "NO_CONVERSATION_ID", Message: "response carried no conversation id"}
	}
	return &result, nil
}

// MarkAsRead persists the read state of a conversation.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	path := "/api/chat/" + url.PathEscape(conversationID) + "/read"
	body, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	if _, err := unwrap(http.StatusOK, body); err != nil {
		return err
	}
	return nil
}
