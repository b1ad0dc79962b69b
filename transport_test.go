package chatsync

import (
	"encoding/json"
	"testing"
	"time"
)

// ============================================================================
// Wire decoding
// ============================================================================

func env(event string, payload any) wireEnvelope {
	b, _ := json.Marshal(payload)
	return wireEnvelope{Event: event, Payload: b}
}

func TestDecodeWireEvent(t *testing.T) {
	t.Run("new message", func(t *testing.T) {
		p := decodeWireEvent(env("new_message", map[string]any{
			"id":             "m1",
			"conversationId": "conv-1",
			"sender":         map[string]string{"id": "user-2", "username": "alice"},
			"content":        "hi",
			"type":           "text",
			"timestamp":      "2026-03-15T12:00:00Z",
		}))
		ev, ok := p.(NewMessagePayload)
		if !ok {
			t.Fatalf("expected NewMessagePayload, got %T", p)
		}
		if ev.Message.ID != "m1" || ev.Message.Sender.Username != "alice" {
			t.Fatalf("unexpected message: %+v", ev.Message)
		}
		if ev.Message.Delivery != DeliveryConfirmed {
			t.Fatal("inbound message not marked confirmed")
		}
	})

	t.Run("message read", func(t *testing.T) {
		readAt := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
		p := decodeWireEvent(env("message_read", wireMessageRead{
			ConversationID: "conv-1",
			MessageIDs:     []string{"m1", "m2"},
			Reader:         UserRef{ID: "user-2"},
			ReadAt:         readAt,
		}))
		ev, ok := p.(MessageReadPayload)
		if !ok {
			t.Fatalf("expected MessageReadPayload, got %T", p)
		}
		if len(ev.MessageIDs) != 2 || ev.Reader.ID != "user-2" || !ev.ReadAt.Equal(readAt) {
			t.Fatalf("unexpected payload: %+v", ev)
		}
	})

	t.Run("typing start and stop", func(t *testing.T) {
		p := decodeWireEvent(env("user_typing", wireTyping{ConversationID: "conv-1", UserID: "user-2"}))
		if _, ok := p.(TypingPayload); !ok {
			t.Fatalf("expected TypingPayload, got %T", p)
		}
		p = decodeWireEvent(env("user_stopped_typing", wireTyping{ConversationID: "conv-1", UserID: "user-2"}))
		if _, ok := p.(TypingStoppedPayload); !ok {
			t.Fatalf("expected TypingStoppedPayload, got %T", p)
		}
	})

	t.Run("update and delete", func(t *testing.T) {
		p := decodeWireEvent(env("message_updated", wireMessageUpdated{
			ConversationID: "conv-1", MessageID: "m1", Content: "revised",
		}))
		upd, ok := p.(MessageUpdatedPayload)
		if !ok || upd.Content != "revised" {
			t.Fatalf("unexpected update payload: %T %+v", p, p)
		}
		p = decodeWireEvent(env("message_deleted", wireMessageDeleted{ConversationID: "conv-1", MessageID: "m1"}))
		del, ok := p.(MessageDeletedPayload)
		if !ok || del.MessageID != "m1" {
			t.Fatalf("unexpected delete payload: %T %+v", p, p)
		}
	})

	t.Run("status change", func(t *testing.T) {
		p := decodeWireEvent(env("user_status_changed", wireStatusChanged{UserID: "user-2", Status: "away"}))
		st, ok := p.(StatusChangedPayload)
		if !ok || st.Status != "away" {
			t.Fatalf("unexpected status payload: %T %+v", p, p)
		}
	})

	t.Run("unknown event is dropped", func(t *testing.T) {
		if p := decodeWireEvent(env("server_maintenance", map[string]string{"at": "soon"})); p != nil {
			t.Fatalf("expected nil for unknown event, got %T", p)
		}
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		bad := wireEnvelope{Event: "new_message", Payload: json.RawMessage(`"not an object"`)}
		if p := decodeWireEvent(bad); p != nil {
			t.Fatalf("expected nil for malformed payload, got %T", p)
		}
	})
}
