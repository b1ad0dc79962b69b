package chatsync

import (
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// PageMeta is the pagination metadata returned by listing endpoints.
type PageMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// ============================================================================
// Domain Types
// ============================================================================

// UserRef identifies a user as seen by the engine. Fields beyond ID are
// best-effort: a participant may arrive as a bare id before the full
// object has been fetched.
type UserRef struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// DeliveryState is the local lifecycle of an outbound message: it starts
// Pending on an optimistic send, becomes Confirmed when the server
// acknowledges it, or Failed when the send is rejected. Inbound and
// fetched messages are always Confirmed.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// ReadReceipt records that one user has read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is one message within a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         UserRef       `json:"sender"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	Timestamp      time.Time     `json:"timestamp"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
	Edited         bool          `json:"edited,omitempty"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`

	// Delivery is local-only state and never comes from the wire.
	Delivery DeliveryState `json:"-"`
}

// ReadByUser reports whether userID appears in the message's read set.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MessageStatus is the consumer-visible status of an outbound message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Status derives the display status of an outbound message: read as soon
// as any participant other than the sender appears in the read set,
// delivered once the server has acknowledged it, sent while still
// optimistic.
func (m *Message) Status() MessageStatus {
	for _, r := range m.ReadBy {
		if r.UserID != m.Sender.ID {
			return StatusRead
		}
	}
	if m.Delivery == DeliveryPending {
		return StatusSent
	}
	return StatusDelivered
}

// Conversation is one conversation as held by the conversation store.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []UserRef `json:"participants"`
	IsGroup      bool      `json:"isGroup"`
	GroupName    string    `json:"groupName,omitempty"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PendingSend is an optimistic message that has not been confirmed by the
// server yet. TempID correlates the local entry with the confirmation.
type PendingSend struct {
	TempID         string
	ConversationID string
	Content        string
	Type           MessageType
	SubmittedAt    time.Time
}

// TypingIndicator is a transient "user is typing" marker. It expires
// client-side because the matching stop event is not delivery-guaranteed.
type TypingIndicator struct {
	ConversationID string
	UserID         string
	ExpiresAt      time.Time
}

// ============================================================================
// Event Names
// ============================================================================

// EventName tags an event variant.
type EventName string

// Lifecycle events republished by the connection manager.
const (
	EventConnected          EventName = "connected"
	EventDisconnected       EventName = "disconnected"
	EventReconnecting       EventName = "reconnecting"
	EventConnectError       EventName = "connect_error"
	EventMaxAttemptsReached EventName = "max_attempts_reached"
)

// Domain events delivered by the transport.
const (
	EventNewMessage        EventName = "new_message"
	EventMessageRead       EventName = "message_read"
	EventMessageUpdated    EventName = "message_updated"
	EventMessageDeleted    EventName = "message_deleted"
	EventUserTyping        EventName = "user_typing"
	EventUserStoppedTyping EventName = "user_stopped_typing"
	EventUserStatusChanged EventName = "user_status_changed"
)

// Transport-level meta events, consumed only by the connection manager.
const (
	eventTransportConnect      EventName = "connect"
	eventTransportDisconnect   EventName = "disconnect"
	eventTransportConnectError EventName = "connect_error_raw"
)

// Outbound command names.
const (
	CmdJoinConversation  EventName = "join_conversation"
	CmdLeaveConversation EventName = "leave_conversation"
	CmdSendMessage       EventName = "send_message"
	CmdMarkRead          EventName = "mark_read"
	CmdTypingStart       EventName = "typing_start"
	CmdTypingStop        EventName = "typing_stop"
)

// ============================================================================
// Event Payload Variants
// ============================================================================

// EventPayload is the closed set of event payloads. Each variant reports
// the event name it is dispatched under, so an emitted payload can never
// be delivered under the wrong tag.
type EventPayload interface {
	Event() EventName
}

// ConnectedPayload is emitted when the transport connection is up.
type ConnectedPayload struct {
	ConnectionID string
}

func (ConnectedPayload) Event() EventName { return EventConnected }

// DisconnectedPayload is emitted when the transport connection drops.
type DisconnectedPayload struct {
	Reason string
}

func (DisconnectedPayload) Event() EventName { return EventDisconnected }

// ReconnectingPayload is emitted when a reconnection attempt is scheduled.
type ReconnectingPayload struct {
	Attempt int
	Delay   time.Duration
}

func (ReconnectingPayload) Event() EventName { return EventReconnecting }

// ConnectErrorPayload is emitted when a connection attempt fails.
type ConnectErrorPayload struct {
	Err error
}

func (ConnectErrorPayload) Event() EventName { return EventConnectError }

// MaxAttemptsPayload is emitted exactly once when reconnection attempts
// are exhausted.
type MaxAttemptsPayload struct {
	Attempts int
}

func (MaxAttemptsPayload) Event() EventName { return EventMaxAttemptsReached }

// NewMessagePayload carries an inbound message.
type NewMessagePayload struct {
	Message Message
}

func (NewMessagePayload) Event() EventName { return EventNewMessage }

// MessageReadPayload carries a batched read receipt.
type MessageReadPayload struct {
	ConversationID string
	MessageIDs     []string
	Reader         UserRef
	ReadAt         time.Time
}

func (MessageReadPayload) Event() EventName { return EventMessageRead }

// MessageUpdatedPayload carries an edit to an existing message.
type MessageUpdatedPayload struct {
	ConversationID string
	MessageID      string
	Content        string
	EditedAt       time.Time
}

func (MessageUpdatedPayload) Event() EventName { return EventMessageUpdated }

// MessageDeletedPayload carries a server-side message deletion.
type MessageDeletedPayload struct {
	ConversationID string
	MessageID      string
}

func (MessageDeletedPayload) Event() EventName { return EventMessageDeleted }

// TypingPayload carries a typing start notification.
type TypingPayload struct {
	ConversationID string
	UserID         string
}

func (TypingPayload) Event() EventName { return EventUserTyping }

// TypingStoppedPayload carries a typing stop notification.
type TypingStoppedPayload struct {
	ConversationID string
	UserID         string
}

func (TypingStoppedPayload) Event() EventName { return EventUserStoppedTyping }

// StatusChangedPayload carries a presence change.
type StatusChangedPayload struct {
	UserID string
	Status string
}

func (StatusChangedPayload) Event() EventName { return EventUserStatusChanged }

// transportConnectPayload is delivered by a Transport when its connection
// is established.
type transportConnectPayload struct {
	ConnectionID string
}

func (transportConnectPayload) Event() EventName { return eventTransportConnect }

// transportDisconnectPayload is delivered by a Transport when its
// connection drops.
type transportDisconnectPayload struct {
	Reason string
}

func (transportDisconnectPayload) Event() EventName { return eventTransportDisconnect }

// transportConnectErrorPayload is delivered by a Transport when an
// in-flight connection attempt fails asynchronously.
type transportConnectErrorPayload struct {
	Err error
}

func (transportConnectErrorPayload) Event() EventName { return eventTransportConnectError }
