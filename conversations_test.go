package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testConv(id string, offset time.Duration, participants ...UserRef) Conversation {
	return Conversation{
		ID:           id,
		Participants: participants,
		LastActivity: testBase.Add(offset),
		CreatedAt:    testBase,
	}
}

type fakeConversationLister struct {
	mu    sync.Mutex
	pages map[int][]Conversation
	meta  map[int]PageMeta
	err   error
}

func (f *fakeConversationLister) ListConversations(ctx context.Context, userID string, page, limit int) ([]Conversation, PageMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, PageMeta{}, f.err
	}
	return f.pages[page], f.meta[page], nil
}

func newTestConvStore(lister ConversationLister) *ConversationStore {
	return NewConversationStore(ConversationStoreConfig{
		UserID:   "user-1",
		Lister:   lister,
		PageSize: 10,
		Logger:   zerolog.Nop(),
	})
}

// ============================================================================
// Display helpers
// ============================================================================

func TestDisplayName(t *testing.T) {
	me := UserRef{ID: "user-1", Username: "me"}

	t.Run("group with name", func(t *testing.T) {
		c := Conversation{IsGroup: true, GroupName: "Weekend Plans"}
		if got := DisplayName(c, "user-1"); got != "Weekend Plans" {
			t.Fatalf("expected group name, got %q", got)
		}
	})

	t.Run("group without name falls back", func(t *testing.T) {
		c := Conversation{IsGroup: true}
		if got := DisplayName(c, "user-1"); got != "Group conversation" {
			t.Fatalf("expected fallback, got %q", got)
		}
	})

	t.Run("direct uses other participant username", func(t *testing.T) {
		c := testConv("c1", 0, me, UserRef{ID: "user-2", Username: "alice", Email: "a@example.com"})
		if got := DisplayName(c, "user-1"); got != "alice" {
			t.Fatalf("expected alice, got %q", got)
		}
	})

	t.Run("direct falls back to email then display name", func(t *testing.T) {
		c := testConv("c1", 0, me, UserRef{ID: "user-2", Email: "a@example.com", DisplayName: "Alice"})
		if got := DisplayName(c, "user-1"); got != "a@example.com" {
			t.Fatalf("expected email, got %q", got)
		}
		c = testConv("c1", 0, me, UserRef{ID: "user-2", DisplayName: "Alice"})
		if got := DisplayName(c, "user-1"); got != "Alice" {
			t.Fatalf("expected display name, got %q", got)
		}
	})

	t.Run("unresolved counterpart falls back", func(t *testing.T) {
		c := testConv("c1", 0, me)
		if got := DisplayName(c, "user-1"); got != "Unknown user" {
			t.Fatalf("expected fallback, got %q", got)
		}
		c = testConv("c1", 0, me, UserRef{ID: "user-2"})
		if got := DisplayName(c, "user-1"); got != "Unknown user" {
			t.Fatalf("expected fallback for bare id, got %q", got)
		}
	})
}

func TestDisplayAvatar(t *testing.T) {
	me := UserRef{ID: "user-1"}
	other := UserRef{ID: "user-2", AvatarURL: "https://cdn.example.com/a.png"}

	if got := DisplayAvatar(testConv("c1", 0, me, other), "user-1"); got != other.AvatarURL {
		t.Fatalf("expected other participant avatar, got %q", got)
	}
	if got := DisplayAvatar(Conversation{IsGroup: true}, "user-1"); got != "" {
		t.Fatalf("expected empty avatar for group, got %q", got)
	}
}

// ============================================================================
// Conversation store
// ============================================================================

func TestConversationStoreLoadPage(t *testing.T) {
	lister := &fakeConversationLister{pages: map[int][]Conversation{
		1: {testConv("c1", time.Hour), testConv("c2", 2*time.Hour)},
	}}
	s := newTestConvStore(lister)
	defer s.Close()

	if err := s.LoadPage(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	convs := s.Conversations()
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	// Newest activity first.
	if convs[0].ID != "c2" || convs[1].ID != "c1" {
		t.Fatalf("expected order [c2 c1], got [%s %s]", convs[0].ID, convs[1].ID)
	}
}

func TestConversationStoreUnread(t *testing.T) {
	newMsg := func(conv, sender string, offset time.Duration) Message {
		m := testMsg("m-"+conv, offset)
		m.ConversationID = conv
		m.Sender = UserRef{ID: sender}
		return m
	}

	t.Run("inbound message increments unread", func(t *testing.T) {
		s := newTestConvStore(&fakeConversationLister{})
		defer s.Close()
		s.Apply(testConv("c1", 0))

		s.ApplyInboundMessage(newMsg("c1", "user-2", time.Minute))

		c, _ := s.Get("c1")
		if c.UnreadCount != 1 {
			t.Fatalf("expected unread 1, got %d", c.UnreadCount)
		}
		if !c.LastActivity.Equal(testBase.Add(time.Minute)) {
			t.Fatal("last activity not bumped")
		}
		if c.LastMessage == nil || c.LastMessage.ID != "m-c1" {
			t.Fatal("last message not recorded")
		}
	})

	t.Run("own message does not increment unread", func(t *testing.T) {
		s := newTestConvStore(&fakeConversationLister{})
		defer s.Close()
		s.Apply(testConv("c1", 0))

		s.ApplyInboundMessage(newMsg("c1", "user-1", time.Minute))

		c, _ := s.Get("c1")
		if c.UnreadCount != 0 {
			t.Fatalf("expected unread 0, got %d", c.UnreadCount)
		}
	})

	t.Run("open conversation does not accumulate unread", func(t *testing.T) {
		s := newTestConvStore(&fakeConversationLister{})
		defer s.Close()
		s.Apply(testConv("c1", 0))
		s.Select("c1")

		s.ApplyInboundMessage(newMsg("c1", "user-2", time.Minute))

		c, _ := s.Get("c1")
		if c.UnreadCount != 0 {
			t.Fatalf("expected unread 0 while open, got %d", c.UnreadCount)
		}
	})

	t.Run("select zeroes existing unread", func(t *testing.T) {
		s := newTestConvStore(&fakeConversationLister{})
		defer s.Close()
		c := testConv("c1", 0)
		c.UnreadCount = 7
		s.Apply(c)

		s.Select("c1")

		got, _ := s.Get("c1")
		if got.UnreadCount != 0 {
			t.Fatalf("expected unread cleared, got %d", got.UnreadCount)
		}
	})

	t.Run("authoritative count overwrites optimistic", func(t *testing.T) {
		s := newTestConvStore(&fakeConversationLister{})
		defer s.Close()
		s.Apply(testConv("c1", 0))
		s.ApplyInboundMessage(newMsg("c1", "user-2", time.Minute))

		s.ApplyUnreadCount("c1", 5)

		c, _ := s.Get("c1")
		if c.UnreadCount != 5 {
			t.Fatalf("expected authoritative 5, got %d", c.UnreadCount)
		}
	})

	t.Run("older message does not regress activity", func(t *testing.T) {
		s := newTestConvStore(&fakeConversationLister{})
		defer s.Close()
		s.Apply(testConv("c1", time.Hour))

		s.ApplyInboundMessage(newMsg("c1", "user-2", time.Minute))

		c, _ := s.Get("c1")
		if !c.LastActivity.Equal(testBase.Add(time.Hour)) {
			t.Fatal("last activity moved backwards")
		}
	})

	t.Run("total unread sums all conversations", func(t *testing.T) {
		s := newTestConvStore(&fakeConversationLister{})
		defer s.Close()
		a := testConv("c1", 0)
		a.UnreadCount = 2
		b := testConv("c2", 0)
		b.UnreadCount = 3
		s.Apply(a)
		s.Apply(b)

		if got := s.TotalUnread(); got != 5 {
			t.Fatalf("expected 5, got %d", got)
		}
	})
}

func TestConversationStoreFilter(t *testing.T) {
	s := newTestConvStore(&fakeConversationLister{})
	defer s.Close()

	unreadGroup := testConv("g1", time.Hour)
	unreadGroup.IsGroup = true
	unreadGroup.UnreadCount = 2
	direct := testConv("d1", 2*time.Hour, UserRef{ID: "user-1"}, UserRef{ID: "user-2"})
	quietGroup := testConv("g2", 3*time.Hour)
	quietGroup.IsGroup = true
	s.Apply(unreadGroup)
	s.Apply(direct)
	s.Apply(quietGroup)

	t.Run("unread only", func(t *testing.T) {
		got := s.Filter(FilterCriteria{UnreadOnly: true})
		if len(got) != 1 || got[0].ID != "g1" {
			t.Fatalf("expected [g1], got %v", ids(got))
		}
	})

	t.Run("groups only", func(t *testing.T) {
		got := s.Filter(FilterCriteria{GroupsOnly: true})
		if len(got) != 2 {
			t.Fatalf("expected 2 groups, got %v", ids(got))
		}
	})

	t.Run("by participant", func(t *testing.T) {
		got := s.Filter(FilterCriteria{ParticipantID: "user-2"})
		if len(got) != 1 || got[0].ID != "d1" {
			t.Fatalf("expected [d1], got %v", ids(got))
		}
	})

	t.Run("by activity window", func(t *testing.T) {
		got := s.Filter(FilterCriteria{ActiveAfter: testBase.Add(90 * time.Minute)})
		if len(got) != 2 {
			t.Fatalf("expected 2 recent, got %v", ids(got))
		}
	})

	t.Run("no criteria returns everything newest first", func(t *testing.T) {
		got := s.Filter(FilterCriteria{})
		if len(got) != 3 || got[0].ID != "g2" {
			t.Fatalf("expected g2 first of 3, got %v", ids(got))
		}
	})
}

func TestConversationStoreRemove(t *testing.T) {
	s := newTestConvStore(&fakeConversationLister{})
	defer s.Close()
	s.Apply(testConv("c1", 0))
	s.Select("c1")

	s.Remove("c1")

	if _, ok := s.Get("c1"); ok {
		t.Fatal("removed conversation still present")
	}
	if s.Selected() != "" {
		t.Fatal("selection not cleared on removal")
	}
}

func ids(convs []Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}
