package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// wireEnvelope is the frame format for all inbound events.
type wireEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// wireCommand is the frame format for outbound commands.
type wireCommand struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type wireConnect struct {
	ConnectionID string `json:"connectionId"`
}

type wireMessageRead struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	Reader         UserRef   `json:"reader"`
	ReadAt         time.Time `json:"readAt"`
}

type wireMessageUpdated struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

type wireMessageDeleted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type wireTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type wireStatusChanged struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// decodeWireEvent maps an inbound envelope onto its payload variant.
// Unknown events and malformed payloads return nil and are dropped.
func decodeWireEvent(env wireEnvelope) EventPayload {
	switch EventName(env.Event) {
	case EventNewMessage:
		var m Message
		if json.Unmarshal(env.Payload, &m) != nil {
			return nil
		}
		m.Delivery = DeliveryConfirmed
		return NewMessagePayload{Message: m}
	case EventMessageRead:
		var w wireMessageRead
		if json.Unmarshal(env.Payload, &w) != nil {
			return nil
		}
		return MessageReadPayload{
			ConversationID: w.ConversationID,
			MessageIDs:     w.MessageIDs,
			Reader:         w.Reader,
			ReadAt:         w.ReadAt,
		}
	case EventMessageUpdated:
		var w wireMessageUpdated
		if json.Unmarshal(env.Payload, &w) != nil {
			return nil
		}
		return MessageUpdatedPayload{
			ConversationID: w.ConversationID,
			MessageID:      w.MessageID,
			Content:        w.Content,
			EditedAt:       w.EditedAt,
		}
	case EventMessageDeleted:
		var w wireMessageDeleted
		if json.Unmarshal(env.Payload, &w) != nil {
			return nil
		}
		return MessageDeletedPayload{ConversationID: w.ConversationID, MessageID: w.MessageID}
	case EventUserTyping:
		var w wireTyping
		if json.Unmarshal(env.Payload, &w) != nil {
			return nil
		}
		return TypingPayload{ConversationID: w.ConversationID, UserID: w.UserID}
	case EventUserStoppedTyping:
		var w wireTyping
		if json.Unmarshal(env.Payload, &w) != nil {
			return nil
		}
		return TypingStoppedPayload{ConversationID: w.ConversationID, UserID: w.UserID}
	case EventUserStatusChanged:
		var w wireStatusChanged
		if json.Unmarshal(env.Payload, &w) != nil {
			return nil
		}
		return StatusChangedPayload{UserID: w.UserID, Status: w.Status}
	}
	return nil
}

// ============================================================================
// WebSocket Transport
// ============================================================================

// WSConfig configures a WSTransport.
type WSConfig struct {
	// BaseURL is the backend origin (http(s) scheme is rewritten to ws(s)).
	BaseURL string
	// Token is the opaque auth token presented at connect time.
	Token string
	// HeartbeatInterval is the ping cadence used to detect dead
	// connections. Defaults to 25s.
	HeartbeatInterval time.Duration
	Logger            zerolog.Logger
}

func (c *WSConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// WSTransport is the WebSocket implementation of Transport. Frames are
// JSON envelopes; the first frame after the dial must be the connect
// event carrying the connection id.
type WSTransport struct {
	cfg WSConfig
	log zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	cancel           context.CancelFunc
	intentionalClose bool
	handler          func(EventPayload)
}

// NewWSTransport creates a WebSocket transport. Call Subscribe before
// Connect.
func NewWSTransport(cfg WSConfig) *WSTransport {
	cfg.defaults()
	return &WSTransport{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "transport").Logger(),
	}
}

// Subscribe registers the event consumer.
func (t *WSTransport) Subscribe(fn func(EventPayload)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// Connect dials the backend and waits for the connect handshake frame.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.intentionalClose = false
	t.mu.Unlock()

	wsURL := strings.Replace(t.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + t.cfg.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the connect handshake.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read handshake: %w", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil || EventName(env.Event) != eventTransportConnect {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected connect handshake, got %q", env.Event)
	}
	var hello wireConnect
	_ = json.Unmarshal(env.Payload, &hello)

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	t.deliver(transportConnectPayload{ConnectionID: hello.ConnectionID})

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection without triggering a disconnect event.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends an outbound command frame.
func (t *WSTransport) Emit(event EventName, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(wireCommand{Event: string(event), Payload: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			if !intentional {
				t.deliver(transportDisconnectPayload{Reason: err.Error()})
			}
			return
		}

		var env wireEnvelope
		if json.Unmarshal(data, &env) != nil {
			t.log.Debug().Msg("dropping malformed frame")
			continue
		}
		p := decodeWireEvent(env)
		if p == nil {
			t.log.Debug().Str("event", env.Event).Msg("dropping unknown event")
			continue
		}
		t.deliver(p)
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Dead connection: force the read loop to observe it.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *WSTransport) deliver(p EventPayload) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
