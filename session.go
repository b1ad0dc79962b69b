package chatsync

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Validation faults, rejected locally before any network call.
var (
	ErrEmptyContent   = errors.New("chatsync: message content is empty")
	ErrContentTooLong = errors.New("chatsync: message content exceeds maximum length")
)

// MaxContentLength is the largest accepted message content, in runes.
const MaxContentLength = 4000

// defaultTypingTTL bounds how long a typing indicator survives without a
// stop event, since the stop is not delivery-guaranteed.
const defaultTypingTTL = 5 * time.Second

// ============================================================================
// Outbound command payloads
// ============================================================================

type channelCommand struct {
	ConversationID string `json:"conversationId"`
}

type sendCommand struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	TempID         string      `json:"tempId"`
}

type markReadCommand struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// ============================================================================
// Chat Session Facade
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// UserID is the local user; the session filters out their own typing
	// events.
	UserID string
	// ConversationID is the conversation this session is bound to. A
	// session is bound for its whole life; switching conversations means
	// closing this session and opening a new one.
	ConversationID string
	// TypingTTL is the client-side expiry for typing indicators.
	// Defaults to 5s.
	TypingTTL time.Duration
	Logger    zerolog.Logger

	// Consumer callbacks. All are optional and are invoked on the
	// dispatching goroutine.
	OnMessage       func(Message)
	OnTyping        func(TypingIndicator)
	OnTypingStopped func(conversationID, userID string)
	OnStatusChanged func(userID, status string)
}

func (c *SessionConfig) defaults() {
	if c.TypingTTL == 0 {
		c.TypingTTL = defaultTypingTTL
	}
}

// Session is a conversation- and user-scoped surface over the shared
// connection. It joins its conversation channel while connected, re-joins
// automatically after a reconnect, and delivers only events addressed to
// its bound conversation.
type Session struct {
	conn *ConnManager
	bus  *Dispatcher
	cfg  SessionConfig
	log  zerolog.Logger

	mu           sync.Mutex
	subs         []Subscription
	typingTimers map[string]*time.Timer
	closed       bool
}

// NewSession opens a session over the shared connection manager. If the
// connection is already up, the bound conversation is joined immediately.
func NewSession(conn *ConnManager, bus *Dispatcher, cfg SessionConfig) *Session {
	cfg.defaults()
	s := &Session{
		conn:         conn,
		bus:          bus,
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "session").Str("conversation_id", cfg.ConversationID).Logger(),
		typingTimers: make(map[string]*time.Timer),
	}

	s.subs = []Subscription{
		bus.On(EventConnected, s.onConnected),
		bus.On(EventNewMessage, s.onNewMessage),
		bus.On(EventUserTyping, s.onTyping),
		bus.On(EventUserStoppedTyping, s.onTypingStopped),
		bus.On(EventUserStatusChanged, s.onStatusChanged),
	}

	if cfg.ConversationID != "" && conn.Connected() {
		if err := s.JoinConversation(cfg.ConversationID); err != nil {
			s.log.Debug().Err(err).Msg("initial join failed")
		}
	}
	return s
}

// Close leaves the conversation channel, cancels typing expiry timers and
// removes all event registrations. The session must not be used after
// Close.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for user, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, user)
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Off(sub)
	}
	if s.cfg.ConversationID != "" && s.conn.Connected() {
		if err := s.LeaveConversation(s.cfg.ConversationID); err != nil {
			s.log.Debug().Err(err).Msg("leave on close failed")
		}
	}
}

// ConversationID returns the bound conversation.
func (s *Session) ConversationID() string {
	return s.cfg.ConversationID
}

// SendMessage emits the message on the realtime channel.
//
// Validation faults (empty or oversized content) are returned as an error
// before anything touches the network. When no conversation is bound or
// the connection is down, ok is false and the transport is not contacted;
// the caller owns the HTTP fallback path. On success the returned
// PendingSend correlates the optimistic local entry with the server
// confirmation.
func (s *Session) SendMessage(content string) (ok bool, pending *PendingSend, err error) {
	if content == "" {
		return false, nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return false, nil, ErrContentTooLong
	}
	if s.cfg.ConversationID == "" || !s.conn.Connected() {
		return false, nil, nil
	}

	p := &PendingSend{
		TempID:         newTempID(),
		ConversationID: s.cfg.ConversationID,
		Content:        content,
		Type:           MessageText,
		SubmittedAt:    time.Now(),
	}
	emitErr := s.conn.Emit(CmdSendMessage, sendCommand{
		ConversationID: p.ConversationID,
		Content:        p.Content,
		Type:           p.Type,
		TempID:         p.TempID,
	})
	if emitErr != nil {
		// Connection raced shut between the check and the emit.
		s.log.Debug().Err(emitErr).Msg("send lost race with disconnect")
		return false, nil, nil
	}
	return true, p, nil
}

// MarkAsRead emits a fire-and-forget read marker. The target conversation
// defaults to the session's bound conversation.
func (s *Session) MarkAsRead(messageID string, conversationID ...string) {
	conv := s.cfg.ConversationID
	if len(conversationID) > 0 && conversationID[0] != "" {
		conv = conversationID[0]
	}
	if conv == "" {
		s.log.Debug().Msg("mark-as-read with no conversation bound")
		return
	}
	if err := s.conn.Emit(CmdMarkRead, markReadCommand{ConversationID: conv, MessageIDs: []string{messageID}}); err != nil {
		s.log.Debug().Err(err).Msg("mark-as-read not delivered")
	}
}

// StartTyping signals that the local user is typing. Typing is best-effort
// UX: with no bound conversation or no connection this is a logged no-op.
func (s *Session) StartTyping() {
	s.emitTyping(CmdTypingStart)
}

// StopTyping signals that the local user stopped typing.
func (s *Session) StopTyping() {
	s.emitTyping(CmdTypingStop)
}

func (s *Session) emitTyping(cmd EventName) {
	if s.cfg.ConversationID == "" {
		s.log.Debug().Str("command", string(cmd)).Msg("typing with no conversation bound")
		return
	}
	if err := s.conn.Emit(cmd, channelCommand{ConversationID: s.cfg.ConversationID}); err != nil {
		s.log.Debug().Err(err).Str("command", string(cmd)).Msg("typing not delivered")
	}
}

// JoinConversation subscribes the connection to a conversation channel.
func (s *Session) JoinConversation(id string) error {
	return s.conn.Emit(CmdJoinConversation, channelCommand{ConversationID: id})
}

// LeaveConversation unsubscribes the connection from a conversation
// channel.
func (s *Session) LeaveConversation(id string) error {
	return s.conn.Emit(CmdLeaveConversation, channelCommand{ConversationID: id})
}

// ── Inbound handlers ─────────────────────────────────────────────────────

// onConnected re-joins the bound conversation: channel membership is not
// preserved by the transport across reconnects.
func (s *Session) onConnected(EventPayload) {
	if s.cfg.ConversationID == "" {
		return
	}
	if err := s.JoinConversation(s.cfg.ConversationID); err != nil {
		s.log.Debug().Err(err).Msg("re-join after reconnect failed")
	}
}

func (s *Session) onNewMessage(p EventPayload) {
	ev, ok := p.(NewMessagePayload)
	if !ok || ev.Message.ConversationID != s.cfg.ConversationID {
		return
	}
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(ev.Message)
	}
}

func (s *Session) onTyping(p EventPayload) {
	ev, ok := p.(TypingPayload)
	if !ok || ev.ConversationID != s.cfg.ConversationID || ev.UserID == s.cfg.UserID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// A repeat typing event from the same user resets the expiry timer
	// rather than stacking a second one.
	if timer, exists := s.typingTimers[ev.UserID]; exists {
		timer.Stop()
	}
	userID := ev.UserID
	s.typingTimers[userID] = time.AfterFunc(s.cfg.TypingTTL, func() {
		s.expireTyping(userID)
	})
	s.mu.Unlock()

	if s.cfg.OnTyping != nil {
		s.cfg.OnTyping(TypingIndicator{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			ExpiresAt:      time.Now().Add(s.cfg.TypingTTL),
		})
	}
}

func (s *Session) onTypingStopped(p EventPayload) {
	ev, ok := p.(TypingStoppedPayload)
	if !ok || ev.ConversationID != s.cfg.ConversationID || ev.UserID == s.cfg.UserID {
		return
	}
	s.clearTyping(ev.UserID, false)
}

func (s *Session) onStatusChanged(p EventPayload) {
	ev, ok := p.(StatusChangedPayload)
	if !ok {
		return
	}
	if s.cfg.OnStatusChanged != nil {
		s.cfg.OnStatusChanged(ev.UserID, ev.Status)
	}
}

// expireTyping fires when the server-side stop event never arrived.
func (s *Session) expireTyping(userID string) {
	s.clearTyping(userID, true)
}

func (s *Session) clearTyping(userID string, expired bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	timer, exists := s.typingTimers[userID]
	if exists {
		timer.Stop()
		delete(s.typingTimers, userID)
	}
	s.mu.Unlock()

	// An expiry that lost the race with an explicit stop reports nothing.
	if !exists && expired {
		return
	}
	if s.cfg.OnTypingStopped != nil {
		s.cfg.OnTypingStopped(s.cfg.ConversationID, userID)
	}
}
