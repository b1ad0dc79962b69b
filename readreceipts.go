package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReadFlusher is the collaborator that performs the batched mark-read
// network call.
type ReadFlusher interface {
	MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// defaultBatchWindow is the debounce window for read receipts.
const defaultBatchWindow = 1 * time.Second

// ============================================================================
// Read-Receipt Batcher
// ============================================================================

// ReadBatcherConfig configures a ReadBatcher.
type ReadBatcherConfig struct {
	ConversationID string
	Flusher        ReadFlusher
	// Window is the debounce interval during which mark-read ids are
	// coalesced into one batched call. Defaults to 1s.
	Window time.Duration
	// FlushTimeout bounds one flush call. Defaults to 10s.
	FlushTimeout time.Duration
	Logger       zerolog.Logger
}

func (c *ReadBatcherConfig) defaults() {
	if c.Window == 0 {
		c.Window = defaultBatchWindow
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

// ReadBatcher debounces and deduplicates mark-read requests: ids arriving
// within one window produce a single batched call. At most one flush is
// in flight at a time; ids arriving during a flush are buffered for the
// next one. Delivery is best-effort, not exactly-once.
type ReadBatcher struct {
	cfg ReadBatcherConfig
	log zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}
	processed  map[string]struct{}
	timer      *time.Timer
	flushing   bool
	rearm      bool
	closed     bool
}

// NewReadBatcher creates a batcher for one conversation.
func NewReadBatcher(cfg ReadBatcherConfig) *ReadBatcher {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadBatcher{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "read_batcher").Str("conversation_id", cfg.ConversationID).Logger(),
		baseCtx:    ctx,
		stop:       cancel,
		pendingSet: make(map[string]struct{}),
		processed:  make(map[string]struct{}),
	}
}

// Close cancels the window timer and any in-flight flush. Ids still
// buffered are dropped; read marking is best-effort.
func (b *ReadBatcher) Close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.stop()
}

// Add queues a message id for the next batched flush. Ids already flushed
// or already queued are ignored.
func (b *ReadBatcher) Add(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, done := b.processed[messageID]; done {
		return
	}
	if _, queued := b.pendingSet[messageID]; queued {
		return
	}
	b.pending = append(b.pending, messageID)
	b.pendingSet[messageID] = struct{}{}

	if b.flushing {
		// Buffered for the next flush; never overlap requests.
		b.rearm = true
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.Window, b.flush)
	}
}

// PendingCount returns the number of ids waiting for the next flush.
func (b *ReadBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *ReadBatcher) flush() {
	b.mu.Lock()
	b.timer = nil
	if b.closed || b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.pendingSet = make(map[string]struct{})
	for _, id := range batch {
		b.processed[id] = struct{}{}
	}
	b.flushing = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(b.baseCtx, b.cfg.FlushTimeout)
	err := b.cfg.Flusher.MarkMessagesRead(ctx, b.cfg.ConversationID, batch)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushing = false
	if err != nil {
		b.log.Warn().Err(err).Int("batch", len(batch)).Msg("read flush failed")
		// Roll back processed membership and requeue the batch so the
		// next trigger retries it. No timer is armed here: a permanent
		// server fault must not become a tight retry loop.
		requeued := make([]string, 0, len(batch)+len(b.pending))
		for _, id := range batch {
			delete(b.processed, id)
			if _, queued := b.pendingSet[id]; !queued {
				requeued = append(requeued, id)
				b.pendingSet[id] = struct{}{}
			}
		}
		b.pending = append(requeued, b.pending...)
	}
	if b.rearm && len(b.pending) > 0 && !b.closed && b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.Window, b.flush)
	}
	b.rearm = false
}
