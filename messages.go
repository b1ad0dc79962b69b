package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MessageLister is the paginated message-fetch collaborator.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, PageMeta, error)
}

// defaultPageSize is the page size used when none is configured.
const defaultPageSize = 50

// ============================================================================
// Message Reconciler
// ============================================================================

// MessageStoreConfig configures a MessageStore.
type MessageStoreConfig struct {
	// ConversationID scopes the store; events for other conversations are
	// dropped.
	ConversationID string
	// CurrentUserID is used for optimistic read receipts and send
	// attribution.
	CurrentUserID string
	Lister        MessageLister
	// Batcher, when set, receives mark-read ids for debounced batching.
	Batcher  *ReadBatcher
	PageSize int
	Logger   zerolog.Logger
}

func (c *MessageStoreConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
}

// MessageStore holds the ordered, deduplicated message set for one
// conversation. It merges paginated fetches, optimistic local sends and
// inbound realtime events into one sequence kept in non-decreasing
// timestamp order with ties broken by insertion order.
//
// Exactly one store is live per conversation; switching conversations
// means closing this store (cancelling its in-flight loads) and creating
// a new one.
type MessageStore struct {
	cfg MessageStoreConfig
	log zerolog.Logger

	mu       sync.Mutex
	messages []Message
	index    map[string]int
	hasMore  bool
	lastErr  error
	// loadSeq identifies the newest load; responses from superseded
	// loads are dropped so a slow page can never clobber fresher state.
	loadSeq    uint64
	loadCancel context.CancelFunc
	closed     bool
}

// NewMessageStore creates a message store for one conversation.
func NewMessageStore(cfg MessageStoreConfig) *MessageStore {
	cfg.defaults()
	return &MessageStore{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "messages").Str("conversation_id", cfg.ConversationID).Logger(),
		index: make(map[string]int),
	}
}

// Close cancels any in-flight load and detaches the store. A closed store
// drops all further mutations.
func (s *MessageStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.loadSeq++
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// LoadPage fetches one page from the lister. Page 1 replaces local state;
// later pages merge in. Starting a new load cancels any outstanding one
// for this store, and a response that arrives after being superseded is
// discarded.
func (s *MessageStore) LoadPage(ctx context.Context, page int) error {
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
	conv, limit, lister := s.cfg.ConversationID, s.cfg.PageSize, s.cfg.Lister
	s.mu.Unlock()

	msgs, meta, err := lister.ListMessages(loadCtx, conv, page, limit)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.loadSeq {
		return nil
	}
	s.loadCancel = nil
	if err != nil {
		s.lastErr = fmt.Errorf("load messages page %d: %w", page, err)
		return s.lastErr
	}
	s.lastErr = nil

	if page <= 1 {
		s.messages = s.messages[:0]
		s.index = make(map[string]int)
	}
	for i := range msgs {
		msgs[i].Delivery = DeliveryConfirmed
		s.upsertLocked(msgs[i])
	}
	if meta.Limit > 0 {
		s.hasMore = meta.HasMore
	} else {
		s.hasMore = len(msgs) == limit
	}
	return nil
}

// ApplyOptimisticSend appends a pending outbound message and returns the
// local entry. The entry keeps the temp id until ConfirmSend promotes it.
func (s *MessageStore) ApplyOptimisticSend(p PendingSend) Message {
	m := Message{
		ID:             p.TempID,
		ConversationID: p.ConversationID,
		Sender:         UserRef{ID: s.cfg.CurrentUserID},
		Content:        p.Content,
		Type:           p.Type,
		Timestamp:      p.SubmittedAt,
		Delivery:       DeliveryPending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return m
	}
	s.upsertLocked(m)
	return m
}

// ConfirmSend promotes the optimistic entry for tempID to the
// authoritative message, in place. When no temp entry correlates (e.g.
// the realtime copy landed first), the confirmed message is merged like
// any inbound one.
func (s *MessageStore) ConfirmSend(tempID string, confirmed Message) {
	confirmed.Delivery = DeliveryConfirmed

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || confirmed.ConversationID != s.cfg.ConversationID {
		return
	}

	idx, ok := s.index[tempID]
	if !ok {
		s.upsertLocked(confirmed)
		return
	}
	if other, dup := s.index[confirmed.ID]; dup && other != idx {
		// The confirmed id already arrived via the realtime path: drop
		// the temp entry instead of keeping both.
		s.removeAtLocked(idx)
		return
	}
	delete(s.index, tempID)
	s.messages[idx] = confirmed
	s.index[confirmed.ID] = idx
}

// FailSend removes the optimistic entry and records a scoped error. The
// returned PendingSend preserves the typed content so the caller can
// re-offer it.
func (s *MessageStore) FailSend(tempID string, cause error) (PendingSend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[tempID]
	if s.closed || !ok {
		return PendingSend{}, false
	}
	m := s.messages[idx]
	s.removeAtLocked(idx)
	s.lastErr = fmt.Errorf("send message: %w", cause)
	return PendingSend{
		TempID:         tempID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Type:           m.Type,
		SubmittedAt:    m.Timestamp,
	}, true
}

// ApplyInbound merges a realtime message. Duplicate delivery (e.g. from
// reconnection replay) is idempotent: an already-present id is not
// re-appended, though its read set may still grow. It returns true when
// the message was newly added.
func (s *MessageStore) ApplyInbound(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || m.ConversationID != s.cfg.ConversationID {
		return false
	}
	m.Delivery = DeliveryConfirmed
	_, existed := s.index[m.ID]
	s.upsertLocked(m)
	return !existed
}

// ApplyUpdate applies a server-side edit.
func (s *MessageStore) ApplyUpdate(p MessageUpdatedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || p.ConversationID != s.cfg.ConversationID {
		return
	}
	idx, ok := s.index[p.MessageID]
	if !ok {
		return
	}
	edited := p.EditedAt
	s.messages[idx].Content = p.Content
	s.messages[idx].Edited = true
	s.messages[idx].EditedAt = &edited
}

// ApplyDelete removes a server-deleted message.
func (s *MessageStore) ApplyDelete(p MessageDeletedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || p.ConversationID != s.cfg.ConversationID {
		return
	}
	if idx, ok := s.index[p.MessageID]; ok {
		s.removeAtLocked(idx)
	}
}

// ApplyReadReceipts merges a batched read receipt. Read sets only grow.
func (s *MessageStore) ApplyReadReceipts(p MessageReadPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || p.ConversationID != s.cfg.ConversationID {
		return
	}
	for _, id := range p.MessageIDs {
		if idx, ok := s.index[id]; ok {
			addReceipt(&s.messages[idx], ReadReceipt{UserID: p.Reader.ID, ReadAt: p.ReadAt})
		}
	}
}

// MarkRead optimistically records the local user's read receipt and
// defers the network call to the batcher.
func (s *MessageStore) MarkRead(messageID string) {
	s.mu.Lock()
	if !s.closed {
		if idx, ok := s.index[messageID]; ok {
			addReceipt(&s.messages[idx], ReadReceipt{UserID: s.cfg.CurrentUserID, ReadAt: time.Now()})
		}
	}
	batcher := s.cfg.Batcher
	s.mu.Unlock()

	if batcher != nil {
		batcher.Add(messageID)
	}
}

// Messages returns a snapshot copy of the ordered message sequence.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Get returns the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[id]; ok {
		return s.messages[idx], true
	}
	return Message{}, false
}

// Len returns the number of held messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// HasMore reports whether older pages remain on the server.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// LastError returns the most recent reconciliation fault, or nil. Faults
// are non-fatal and cleared by the next successful load.
func (s *MessageStore) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ── Internal ordering helpers ────────────────────────────────────────────

// upsertLocked merges by id: an existing entry keeps its position and its
// read set only grows; a new entry is inserted in timestamp order after
// all entries with an equal or earlier timestamp.
func (s *MessageStore) upsertLocked(m Message) {
	if idx, ok := s.index[m.ID]; ok {
		existing := &s.messages[idx]
		for _, r := range m.ReadBy {
			addReceipt(existing, r)
		}
		existing.Content = m.Content
		existing.Edited = m.Edited
		existing.EditedAt = m.EditedAt
		if existing.Delivery == DeliveryPending && m.Delivery == DeliveryConfirmed {
			existing.Delivery = DeliveryConfirmed
		}
		return
	}

	pos := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp.After(m.Timestamp)
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m
	for i := pos; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

func (s *MessageStore) removeAtLocked(idx int) {
	delete(s.index, s.messages[idx].ID)
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	for i := idx; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

// addReceipt grows the read set monotonically; a repeat receipt for the
// same user is ignored.
func addReceipt(m *Message, r ReadReceipt) {
	for _, existing := range m.ReadBy {
		if existing.UserID == r.UserID {
			return
		}
	}
	m.ReadBy = append(m.ReadBy, r)
}
