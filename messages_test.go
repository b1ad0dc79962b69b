package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testBase = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func testMsg(id string, offset time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		Sender:         UserRef{ID: "user-2", Username: "alice"},
		Content:        "message " + id,
		Type:           MessageText,
		Timestamp:      testBase.Add(offset),
	}
}

// fakeMessageLister serves canned pages. An optional gate blocks the first
// call until released, to exercise superseded loads.
type fakeMessageLister struct {
	mu    sync.Mutex
	pages map[int][]Message
	meta  map[int]PageMeta
	err   error
	gate  chan struct{}
	calls int
}

func (f *fakeMessageLister) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, PageMeta, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	gate := f.gate
	err := f.err
	msgs := f.pages[page]
	meta := f.meta[page]
	f.mu.Unlock()

	if first && gate != nil {
		<-gate
	}
	if err != nil {
		return nil, PageMeta{}, err
	}
	return msgs, meta, nil
}

func newTestStore(lister MessageLister) *MessageStore {
	return NewMessageStore(MessageStoreConfig{
		ConversationID: "conv-1",
		CurrentUserID:  "user-1",
		Lister:         lister,
		PageSize:       10,
		Logger:         zerolog.Nop(),
	})
}

// ============================================================================
// Loading
// ============================================================================

func TestMessageStoreLoadPage(t *testing.T) {
	t.Run("page one replaces and orders by timestamp", func(t *testing.T) {
		lister := &fakeMessageLister{pages: map[int][]Message{
			1: {testMsg("m3", 3 * time.Minute), testMsg("m1", time.Minute), testMsg("m2", 2 * time.Minute)},
		}}
		s := newTestStore(lister)
		defer s.Close()

		if err := s.LoadPage(context.Background(), 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		msgs := s.Messages()
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		for i, want := range []string{"m1", "m2", "m3"} {
			if msgs[i].ID != want {
				t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
			}
			if msgs[i].Delivery != DeliveryConfirmed {
				t.Fatalf("fetched message %s not confirmed", msgs[i].ID)
			}
		}
	})

	t.Run("later pages merge without duplicates", func(t *testing.T) {
		lister := &fakeMessageLister{pages: map[int][]Message{
			1: {testMsg("m3", 3 * time.Minute), testMsg("m4", 4 * time.Minute)},
			2: {testMsg("m1", time.Minute), testMsg("m2", 2 * time.Minute), testMsg("m3", 3 * time.Minute)},
		}}
		s := newTestStore(lister)
		defer s.Close()

		if err := s.LoadPage(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
		if err := s.LoadPage(context.Background(), 2); err != nil {
			t.Fatal(err)
		}

		msgs := s.Messages()
		if len(msgs) != 4 {
			t.Fatalf("expected 4 unique messages, got %d", len(msgs))
		}
		for i, want := range []string{"m1", "m2", "m3", "m4"} {
			if msgs[i].ID != want {
				t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
			}
		}
	})

	t.Run("has more follows server metadata", func(t *testing.T) {
		lister := &fakeMessageLister{
			pages: map[int][]Message{1: {testMsg("m1", 0)}},
			meta:  map[int]PageMeta{1: {Page: 1, Limit: 10, Total: 25, HasMore: true}},
		}
		s := newTestStore(lister)
		defer s.Close()

		if err := s.LoadPage(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
		if !s.HasMore() {
			t.Fatal("expected has-more from metadata")
		}
	})

	t.Run("load error is scoped and recoverable", func(t *testing.T) {
		lister := &fakeMessageLister{err: errors.New("backend down")}
		s := newTestStore(lister)
		defer s.Close()

		if err := s.LoadPage(context.Background(), 1); err == nil {
			t.Fatal("expected an error")
		}
		if s.LastError() == nil {
			t.Fatal("expected last error to be recorded")
		}

		lister.mu.Lock()
		lister.err = nil
		lister.pages = map[int][]Message{1: {testMsg("m1", 0)}}
		lister.mu.Unlock()

		if err := s.LoadPage(context.Background(), 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.LastError() != nil {
			t.Fatal("expected last error cleared by successful load")
		}
	})

	t.Run("superseded load is discarded", func(t *testing.T) {
		gate := make(chan struct{})
		lister := &fakeMessageLister{
			gate: gate,
			pages: map[int][]Message{
				1: {testMsg("stale", time.Minute)},
			},
		}
		s := newTestStore(lister)
		defer s.Close()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.LoadPage(context.Background(), 1) // blocks on the gate
		}()

		// Wait until the slow load is in flight, then supersede it.
		deadline := time.Now().Add(time.Second)
		for {
			lister.mu.Lock()
			started := lister.calls >= 1
			lister.mu.Unlock()
			if started || time.Now().After(deadline) {
				break
			}
			time.Sleep(time.Millisecond)
		}

		lister.mu.Lock()
		lister.pages[1] = []Message{testMsg("fresh", 2 * time.Minute)}
		lister.mu.Unlock()
		if err := s.LoadPage(context.Background(), 1); err != nil {
			t.Fatal(err)
		}

		close(gate)
		wg.Wait()

		msgs := s.Messages()
		if len(msgs) != 1 || msgs[0].ID != "fresh" {
			t.Fatalf("stale response clobbered fresh state: %v", msgs)
		}
	})
}

// ============================================================================
// Optimistic sends
// ============================================================================

func TestMessageStoreOptimisticSend(t *testing.T) {
	pending := PendingSend{
		TempID:         "temp-1",
		ConversationID: "conv-1",
		Content:        "hello",
		Type:           MessageText,
		SubmittedAt:    testBase,
	}

	t.Run("pending entry reads as sent", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()

		m := s.ApplyOptimisticSend(pending)
		if m.ID != "temp-1" || m.Delivery != DeliveryPending {
			t.Fatalf("unexpected optimistic entry: %+v", m)
		}
		got, ok := s.Get("temp-1")
		if !ok {
			t.Fatal("optimistic entry not stored")
		}
		if got.Status() != StatusSent {
			t.Fatalf("expected sent status, got %s", got.Status())
		}
	})

	t.Run("confirm promotes in place", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()
		s.ApplyOptimisticSend(pending)

		confirmed := testMsg("srv-1", 0)
		confirmed.Sender = UserRef{ID: "user-1"}
		confirmed.Content = "hello"
		s.ConfirmSend("temp-1", confirmed)

		if _, ok := s.Get("temp-1"); ok {
			t.Fatal("temp id still resolvable after confirmation")
		}
		got, ok := s.Get("srv-1")
		if !ok {
			t.Fatal("confirmed message missing")
		}
		if got.Status() != StatusDelivered {
			t.Fatalf("expected delivered, got %s", got.Status())
		}
		if s.Len() != 1 {
			t.Fatalf("expected 1 message, got %d", s.Len())
		}
	})

	t.Run("confirm after realtime copy drops the temp entry", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()
		s.ApplyOptimisticSend(pending)

		echo := testMsg("srv-1", 0)
		echo.Sender = UserRef{ID: "user-1"}
		s.ApplyInbound(echo)
		s.ConfirmSend("temp-1", echo)

		if s.Len() != 1 {
			t.Fatalf("expected 1 message after dedup, got %d", s.Len())
		}
		if _, ok := s.Get("srv-1"); !ok {
			t.Fatal("server copy missing")
		}
	})

	t.Run("failed send is removed and re-offerable", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()
		s.ApplyOptimisticSend(pending)

		p, ok := s.FailSend("temp-1", errors.New("rejected"))
		if !ok {
			t.Fatal("expected fail to find the temp entry")
		}
		if p.Content != "hello" || p.Type != MessageText {
			t.Fatalf("retry payload lost content: %+v", p)
		}
		if s.Len() != 0 {
			t.Fatal("failed entry still present")
		}
		if s.LastError() == nil {
			t.Fatal("expected scoped error")
		}
	})
}

// ============================================================================
// Inbound events
// ============================================================================

func TestMessageStoreApplyInbound(t *testing.T) {
	t.Run("duplicate delivery is idempotent", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()

		m := testMsg("m1", 0)
		if !s.ApplyInbound(m) {
			t.Fatal("first delivery should report newly added")
		}
		if s.ApplyInbound(m) {
			t.Fatal("duplicate delivery should not report newly added")
		}
		if s.Len() != 1 {
			t.Fatalf("expected 1 message, got %d", s.Len())
		}
	})

	t.Run("other conversations are dropped", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()

		m := testMsg("m1", 0)
		m.ConversationID = "conv-other"
		if s.ApplyInbound(m) {
			t.Fatal("message for another conversation was accepted")
		}
	})

	t.Run("inserts keep timestamp order", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()

		s.ApplyInbound(testMsg("m2", 2*time.Minute))
		s.ApplyInbound(testMsg("m1", time.Minute))
		s.ApplyInbound(testMsg("m3", 3*time.Minute))

		msgs := s.Messages()
		for i, want := range []string{"m1", "m2", "m3"} {
			if msgs[i].ID != want {
				t.Fatalf("position %d: expected %s, got %s", i, want, msgs[i].ID)
			}
		}
	})

	t.Run("equal timestamps preserve arrival order", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()

		s.ApplyInbound(testMsg("first", time.Minute))
		s.ApplyInbound(testMsg("second", time.Minute))

		msgs := s.Messages()
		if msgs[0].ID != "first" || msgs[1].ID != "second" {
			t.Fatalf("tie order broken: %s, %s", msgs[0].ID, msgs[1].ID)
		}
	})
}

func TestMessageStoreUpdateDelete(t *testing.T) {
	t.Run("update edits content", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()
		s.ApplyInbound(testMsg("m1", 0))

		edited := testBase.Add(time.Hour)
		s.ApplyUpdate(MessageUpdatedPayload{
			ConversationID: "conv-1",
			MessageID:      "m1",
			Content:        "revised",
			EditedAt:       edited,
		})

		got, _ := s.Get("m1")
		if got.Content != "revised" || !got.Edited || got.EditedAt == nil || !got.EditedAt.Equal(edited) {
			t.Fatalf("edit not applied: %+v", got)
		}
	})

	t.Run("delete removes the message", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()
		s.ApplyInbound(testMsg("m1", 0))
		s.ApplyInbound(testMsg("m2", time.Minute))

		s.ApplyDelete(MessageDeletedPayload{ConversationID: "conv-1", MessageID: "m1"})

		if _, ok := s.Get("m1"); ok {
			t.Fatal("deleted message still present")
		}
		if _, ok := s.Get("m2"); !ok {
			t.Fatal("unrelated message lost")
		}
	})

	t.Run("update for unknown message is ignored", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()
		s.ApplyUpdate(MessageUpdatedPayload{ConversationID: "conv-1", MessageID: "ghost", Content: "x"})
	})
}

// ============================================================================
// Read receipts
// ============================================================================

func TestMessageStoreReadReceipts(t *testing.T) {
	t.Run("batched receipt marks messages read", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()

		own := testMsg("m1", 0)
		own.Sender = UserRef{ID: "user-1"}
		s.ApplyInbound(own)

		s.ApplyReadReceipts(MessageReadPayload{
			ConversationID: "conv-1",
			MessageIDs:     []string{"m1"},
			Reader:         UserRef{ID: "user-2"},
			ReadAt:         testBase.Add(time.Minute),
		})

		got, _ := s.Get("m1")
		if !got.ReadByUser("user-2") {
			t.Fatal("receipt not recorded")
		}
		if got.Status() != StatusRead {
			t.Fatalf("expected read status, got %s", got.Status())
		}
	})

	t.Run("repeat receipt for same user does not grow the set", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()
		s.ApplyInbound(testMsg("m1", 0))

		receipt := MessageReadPayload{
			ConversationID: "conv-1",
			MessageIDs:     []string{"m1"},
			Reader:         UserRef{ID: "user-2"},
			ReadAt:         testBase,
		}
		s.ApplyReadReceipts(receipt)
		s.ApplyReadReceipts(receipt)

		got, _ := s.Get("m1")
		if len(got.ReadBy) != 1 {
			t.Fatalf("expected 1 receipt, got %d", len(got.ReadBy))
		}
	})

	t.Run("sender receipt does not make own message read", func(t *testing.T) {
		s := newTestStore(&fakeMessageLister{})
		defer s.Close()

		own := testMsg("m1", 0)
		own.Sender = UserRef{ID: "user-1"}
		s.ApplyInbound(own)
		s.ApplyReadReceipts(MessageReadPayload{
			ConversationID: "conv-1",
			MessageIDs:     []string{"m1"},
			Reader:         UserRef{ID: "user-1"},
			ReadAt:         testBase,
		})

		got, _ := s.Get("m1")
		if got.Status() == StatusRead {
			t.Fatal("own receipt must not count as read")
		}
	})

	t.Run("mark read records local receipt and feeds the batcher", func(t *testing.T) {
		flusher := &fakeFlusher{}
		batcher := NewReadBatcher(ReadBatcherConfig{
			ConversationID: "conv-1",
			Flusher:        flusher,
			Window:         time.Hour, // never fires during the test
			Logger:         zerolog.Nop(),
		})
		defer batcher.Close()

		s := NewMessageStore(MessageStoreConfig{
			ConversationID: "conv-1",
			CurrentUserID:  "user-1",
			Lister:         &fakeMessageLister{},
			Batcher:        batcher,
			Logger:         zerolog.Nop(),
		})
		defer s.Close()
		s.ApplyInbound(testMsg("m1", 0))

		s.MarkRead("m1")

		got, _ := s.Get("m1")
		if !got.ReadByUser("user-1") {
			t.Fatal("local receipt not recorded")
		}
		if batcher.PendingCount() != 1 {
			t.Fatalf("expected 1 id queued, got %d", batcher.PendingCount())
		}
	})
}

func TestMessageStoreClose(t *testing.T) {
	s := newTestStore(&fakeMessageLister{})
	s.Close()

	if s.ApplyInbound(testMsg("m1", 0)) {
		t.Fatal("closed store accepted a message")
	}
	if err := s.LoadPage(context.Background(), 1); err != nil {
		t.Fatalf("closed load should be a silent no-op, got %v", err)
	}
}
