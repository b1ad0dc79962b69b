package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConversationLister is the paginated conversation-fetch collaborator.
type ConversationLister interface {
	ListConversations(ctx context.Context, userID string, page, limit int) ([]Conversation, PageMeta, error)
}

// Display fallbacks when the counterpart cannot be resolved.
const (
	fallbackUserLabel  = "Unknown user"
	fallbackGroupLabel = "Group conversation"
)

// FilterCriteria is a pure predicate over the in-memory conversation set.
// Zero-value fields do not constrain.
type FilterCriteria struct {
	UnreadOnly    bool
	GroupsOnly    bool
	ParticipantID string
	ActiveAfter   time.Time
	ActiveBefore  time.Time
}

func (f FilterCriteria) matches(c Conversation) bool {
	if f.UnreadOnly && c.UnreadCount == 0 {
		return false
	}
	if f.GroupsOnly && !c.IsGroup {
		return false
	}
	if f.ParticipantID != "" {
		found := false
		for _, p := range c.Participants {
			if p.ID == f.ParticipantID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.ActiveAfter.IsZero() && c.LastActivity.Before(f.ActiveAfter) {
		return false
	}
	if !f.ActiveBefore.IsZero() && c.LastActivity.After(f.ActiveBefore) {
		return false
	}
	return true
}

// ============================================================================
// Conversation Reconciler
// ============================================================================

// ConversationStoreConfig configures a ConversationStore.
type ConversationStoreConfig struct {
	// UserID is the owning user; their own sends never bump unread
	// counts.
	UserID   string
	Lister   ConversationLister
	PageSize int
	Logger   zerolog.Logger
}

func (c *ConversationStoreConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
}

// ConversationStore holds the conversation set for one user. It merges
// paginated fetches, local mutations and realtime events, and keeps
// aggregate unread counts current even when no conversation is open.
type ConversationStore struct {
	cfg ConversationStoreConfig
	log zerolog.Logger

	mu            sync.Mutex
	conversations map[string]Conversation
	hasMore       bool
	lastErr       error
	loadSeq       uint64
	loadCancel    context.CancelFunc
	selectedID    string
	closed        bool
}

// NewConversationStore creates a conversation store.
func NewConversationStore(cfg ConversationStoreConfig) *ConversationStore {
	cfg.defaults()
	return &ConversationStore{
		cfg:           cfg,
		log:           cfg.Logger.With().Str("component", "conversations").Logger(),
		conversations: make(map[string]Conversation),
	}
}

// Close cancels any in-flight load.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.loadSeq++
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// LoadPage fetches one page of conversations. Page 1 replaces local
// state; later pages merge in. A new load supersedes and cancels any
// outstanding one.
func (s *ConversationStore) LoadPage(ctx context.Context, page int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.loadCancel != nil {
		s.loadCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s.loadCancel = cancel
	s.loadSeq++
	seq := s.loadSeq
	userID, limit, lister := s.cfg.UserID, s.cfg.PageSize, s.cfg.Lister
	s.mu.Unlock()

	convs, meta, err := lister.ListConversations(loadCtx, userID, page, limit)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.loadSeq {
		return nil
	}
	s.loadCancel = nil
	if err != nil {
		s.lastErr = fmt.Errorf("load conversations page %d: %w", page, err)
		return s.lastErr
	}
	s.lastErr = nil

	if page <= 1 {
		s.conversations = make(map[string]Conversation, len(convs))
	}
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	if meta.Limit > 0 {
		s.hasMore = meta.HasMore
	} else {
		s.hasMore = len(convs) == limit
	}
	return nil
}

// Apply upserts a conversation from a creation response or realtime
// update. The server copy is authoritative, including its unread count.
func (s *ConversationStore) Apply(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.conversations[c.ID] = c
}

// Remove drops a conversation, on deletion or when the owning user
// leaves.
func (s *ConversationStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	if s.selectedID == id {
		s.selectedID = ""
	}
}

// Select marks a conversation as the open one: its unread count is
// zeroed optimistically and inbound messages for it no longer increment
// the count. Pass "" to deselect.
func (s *ConversationStore) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = id
	if c, ok := s.conversations[id]; ok {
		c.UnreadCount = 0
		s.conversations[id] = c
	}
}

// Selected returns the currently open conversation id.
func (s *ConversationStore) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID
}

// ApplyInboundMessage folds a realtime message into the aggregate view:
// last activity and last message move forward, and the unread count
// increments unless the conversation is open or the message is the
// user's own. The count stays optimistic until the next authoritative
// value overwrites it.
func (s *ConversationStore) ApplyInboundMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if s.closed || !ok {
		return
	}
	if m.Timestamp.After(c.LastActivity) {
		c.LastActivity = m.Timestamp
		msg := m
		c.LastMessage = &msg
	}
	if m.ConversationID != s.selectedID && m.Sender.ID != s.cfg.UserID {
		c.UnreadCount++
	}
	s.conversations[m.ConversationID] = c
}

// ApplyUnreadCount overwrites the unread count with the authoritative
// server value.
func (s *ConversationStore) ApplyUnreadCount(conversationID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		c.UnreadCount = count
		s.conversations[conversationID] = c
	}
}

// MarkAllRead optimistically zeroes a conversation's unread count; the
// next authoritative value wins regardless.
func (s *ConversationStore) MarkAllRead(conversationID string) {
	s.ApplyUnreadCount(conversationID, 0)
}

// Get returns one conversation.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Conversations returns a snapshot ordered by last activity, newest
// first.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Filter returns the conversations matching the criteria, newest first.
// It never triggers a fetch.
func (s *ConversationStore) Filter(criteria FilterCriteria) []Conversation {
	all := s.Conversations()
	out := all[:0]
	for _, c := range all {
		if criteria.matches(c) {
			out = append(out, c)
		}
	}
	return out
}

// TotalUnread sums unread counts across all conversations.
func (s *ConversationStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// HasMore reports whether more pages remain on the server.
func (s *ConversationStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// LastError returns the most recent reconciliation fault, or nil.
func (s *ConversationStore) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ============================================================================
// Display helpers
// ============================================================================

// DisplayName resolves what to show as the conversation title: the group
// name for groups, the other participant's name for 1:1 conversations,
// and a fixed fallback when the counterpart has not been resolved yet.
func DisplayName(c Conversation, currentUserID string) string {
	if c.IsGroup {
		if c.GroupName != "" {
			return c.GroupName
		}
		return fallbackGroupLabel
	}
	if other, ok := otherParticipant(c, currentUserID); ok {
		switch {
		case other.Username != "":
			return other.Username
		case other.Email != "":
			return other.Email
		case other.DisplayName != "":
			return other.DisplayName
		}
	}
	return fallbackUserLabel
}

// DisplayAvatar resolves the avatar for a conversation: the other
// participant's avatar for 1:1 conversations, empty for groups and
// unresolved counterparts.
func DisplayAvatar(c Conversation, currentUserID string) string {
	if c.IsGroup {
		return ""
	}
	if other, ok := otherParticipant(c, currentUserID); ok {
		return other.AvatarURL
	}
	return ""
}

func otherParticipant(c Conversation, currentUserID string) (UserRef, bool) {
	for _, p := range c.Participants {
		if p.ID != currentUserID {
			return p, true
		}
	}
	return UserRef{}, false
}
