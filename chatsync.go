// Package chatsync is the client-side real-time synchronization engine
// for a chat application. It owns one persistent connection to the
// messaging backend, reconciles locally-held conversation and message
// state against server events, and gives consumers an eventually-correct
// view of conversations, messages, read receipts and typing status.
//
// Example:
//
//	bus := chatsync.NewDispatcher(log)
//	transport := chatsync.NewWSTransport(chatsync.WSConfig{BaseURL: url, Token: token})
//	conn := chatsync.NewConnManager(transport, bus, chatsync.ReconnectConfig{}, log)
//	conn.Connect(ctx)
//
//	session := chatsync.NewSession(conn, bus, chatsync.SessionConfig{
//		UserID:         "user-1",
//		ConversationID: "conv-1",
//		OnMessage:      func(m chatsync.Message) { /* render */ },
//	})
//	ok, pending, err := session.SendMessage("hello")
package chatsync

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds one REST request.
	DefaultTimeout = 30 * time.Second
)

// Severity classifies a notification for the consumer-facing sink.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Notifier is the one-way notification sink consumers attach to lifecycle
// transitions. The core never requires it.
type Notifier interface {
	Notify(message string, severity Severity)
}

// ============================================================================
// REST Client
// ============================================================================

// Client is the REST collaborator for paginated fetches and CRUD
// operations. It backs the reconcilers through the MessageLister,
// ConversationLister and ReadFlusher interfaces.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the backend origin.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client authenticated with the given opaque
// token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ── Internal request helpers ─────────────────────────────────────────────

// apiResult is the generic response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *PageMeta       `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*apiResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[apiResult](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("request %s %s failed", method, path)
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(page, limit int) map[string]string {
	return map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
}

func metaOf(r *apiResult) PageMeta {
	if r.Meta != nil {
		return *r.Meta
	}
	return PageMeta{}
}

// ── Messages ─────────────────────────────────────────────────────────────

// ListMessages fetches one page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, PageMeta, error) {
	result, err := c.do(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, pageQuery(page, limit))
	if err != nil {
		return nil, PageMeta{}, err
	}
	var msgs []Message
	if err := json.Unmarshal(result.Data, &msgs); err != nil {
		return nil, PageMeta{}, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	for i := range msgs {
		msgs[i].Delivery = DeliveryConfirmed
	}
	return msgs, metaOf(result), nil
}

// SendMessage posts a message over HTTP. This is the fallback path used
// when the realtime channel is down; tempID, when set, lets the server
// correlate the message with an optimistic local entry.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, msgType MessageType, tempID string) (*Message, error) {
	payload := map[string]any{"content": content, "type": msgType}
	if tempID != "" {
		payload["tempId"] = tempID
	}
	result, err := c.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](result.Data)
	if err != nil {
		return nil, err
	}
	msg.Delivery = DeliveryConfirmed
	return msg, nil
}

// UpdateMessage edits a message's content.
func (c *Client) UpdateMessage(ctx context.Context, conversationID, messageID, content string) (*Message, error) {
	result, err := c.do(ctx, "PATCH", "/api/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](result.Data)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.do(ctx, "DELETE", "/api/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	return err
}

// MarkMessagesRead issues one batched read-marking call. This is the
// flush target of the read-receipt batcher.
func (c *Client) MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string) error {
	_, err := c.do(ctx, "POST", "/api/conversations/"+conversationID+"/read",
		map[string]any{"messageIds": messageIDs}, nil)
	return err
}

// ── Conversations ────────────────────────────────────────────────────────

// CreateConversationOptions describes a conversation to create.
type CreateConversationOptions struct {
	ParticipantIDs []string `json:"participantIds"`
	IsGroup        bool     `json:"isGroup,omitempty"`
	GroupName      string   `json:"groupName,omitempty"`
}

// UpdateConversationOptions carries a partial conversation update.
type UpdateConversationOptions struct {
	GroupName      string   `json:"groupName,omitempty"`
	AddParticipant string   `json:"addParticipant,omitempty"`
	RemoveIDs      []string `json:"removeParticipants,omitempty"`
}

// ListConversations fetches one page of the user's conversations.
func (c *Client) ListConversations(ctx context.Context, userID string, page, limit int) ([]Conversation, PageMeta, error) {
	result, err := c.do(ctx, "GET", "/api/users/"+userID+"/conversations", nil, pageQuery(page, limit))
	if err != nil {
		return nil, PageMeta{}, err
	}
	var convs []Conversation
	if err := json.Unmarshal(result.Data, &convs); err != nil {
		return nil, PageMeta{}, fmt.Errorf("failed to unmarshal conversations: %w", err)
	}
	return convs, metaOf(result), nil
}

// CreateConversation creates a conversation and returns the server copy.
func (c *Client) CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error) {
	result, err := c.do(ctx, "POST", "/api/conversations", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](result.Data)
}

// UpdateConversation applies a partial update.
func (c *Client) UpdateConversation(ctx context.Context, id string, opts UpdateConversationOptions) (*Conversation, error) {
	result, err := c.do(ctx, "PATCH", "/api/conversations/"+id, opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](result.Data)
}

// DeleteConversation deletes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	_, err := c.do(ctx, "DELETE", "/api/conversations/"+id, nil, nil)
	return err
}

// ── Users ────────────────────────────────────────────────────────────────

// SearchUsers finds users by username or email fragment.
func (c *Client) SearchUsers(ctx context.Context, query string, limit int) ([]UserRef, error) {
	q := map[string]string{"q": query}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	result, err := c.do(ctx, "GET", "/api/users/search", nil, q)
	if err != nil {
		return nil, err
	}
	var users []UserRef
	if err := json.Unmarshal(result.Data, &users); err != nil {
		return nil, fmt.Errorf("failed to unmarshal users: %w", err)
	}
	return users, nil
}

// ============================================================================
// Helpers
// ============================================================================

// newTempID generates the correlation id for an optimistic send.
func newTempID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("temp-%d", time.Now().UnixNano())
	}
	b[6] = (b[6] & 0x0f) | 0x40 // Version 4
	b[8] = (b[8] & 0x3f) | 0x80 // Variant 10
	return fmt.Sprintf("temp-%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
