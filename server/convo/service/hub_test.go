package service

import (
	"sync"
	"testing"

	"opsdesk/server/convo/domain"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []domain.Event
}

func (w *recordingWriter) WriteEvent(event domain.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
}

func (w *recordingWriter) received() []domain.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Event, len(w.events))
	copy(out, w.events)
	return out
}

func newMessageEvent(token string, id int64) domain.Event {
	return domain.Event{
		Type:    domain.EventNewMessage,
		Token:   token,
		Message: &domain.Message{ID: id, Token: token, Content: "hello"},
	}
}

func TestHubBroadcastRoomIsolation(t *testing.T) {
	hub := NewHub()
	a := &recordingWriter{}
	b := &recordingWriter{}
	other := &recordingWriter{}
	hub.Join("tok1", "conn-a", a)
	hub.Join("tok1", "conn-b", b)
	hub.Join("tok2", "conn-c", other)

	hub.Broadcast("tok1", newMessageEvent("tok1", 1))

	if got := len(a.received()); got != 1 {
		t.Fatalf("conn-a: expected 1 event, got %d", got)
	}
	if got := len(b.received()); got != 1 {
		t.Fatalf("conn-b: expected 1 event, got %d", got)
	}
	if got := len(other.received()); got != 0 {
		t.Fatalf("conn-c joined tok2, expected 0 events, got %d", got)
	}
}

func TestHubNoReplayForLateJoin(t *testing.T) {
	hub := NewHub()
	hub.Broadcast("tok1", newMessageEvent("tok1", 1))

	late := &recordingWriter{}
	hub.Join("tok1", "conn-late", late)
	if got := len(late.received()); got != 0 {
		t.Fatalf("late joiner must not receive earlier broadcasts, got %d", got)
	}

	hub.Broadcast("tok1", newMessageEvent("tok1", 2))
	events := late.received()
	if len(events) != 1 {
		t.Fatalf("expected 1 event after joining, got %d", len(events))
	}
	if events[0].Message.ID != 2 {
		t.Fatalf("expected message id 2, got %d", events[0].Message.ID)
	}
}

func TestHubJoinIdempotent(t *testing.T) {
	hub := NewHub()
	w := &recordingWriter{}
	hub.Join("tok1", "conn-a", w)
	hub.Join("tok1", "conn-a", w)

	if got := hub.roomSize("tok1"); got != 1 {
		t.Fatalf("expected room size 1, got %d", got)
	}
	hub.Broadcast("tok1", newMessageEvent("tok1", 1))
	if got := len(w.received()); got != 1 {
		t.Fatalf("double join must not duplicate delivery, got %d events", got)
	}
}

func TestHubLeave(t *testing.T) {
	hub := NewHub()
	w := &recordingWriter{}
	hub.Join("tok1", "conn-a", w)
	hub.Leave("tok1", "conn-a")

	hub.Broadcast("tok1", newMessageEvent("tok1", 1))
	if got := len(w.received()); got != 0 {
		t.Fatalf("expected 0 events after leave, got %d", got)
	}
	if got := hub.roomSize("tok1"); got != 0 {
		t.Fatalf("expected empty room, got size %d", got)
	}

	// leaving rooms or connections that were never joined is a no-op
	hub.Leave("tok1", "conn-a")
	hub.Leave("unknown", "conn-x")
}

func TestHubBroadcastZeroSubscribers(t *testing.T) {
	hub := NewHub()
	// must not panic or error with nobody joined
	hub.Broadcast("tok1", newMessageEvent("tok1", 1))
}

func TestHubBroadcastPreservesOrder(t *testing.T) {
	hub := NewHub()
	w := &recordingWriter{}
	hub.Join("tok1", "conn-a", w)

	for i := int64(1); i <= 5; i++ {
		hub.Broadcast("tok1", newMessageEvent("tok1", i))
	}
	events := w.received()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Message.ID != int64(i+1) {
			t.Fatalf("event %d: expected id %d, got %d", i, i+1, ev.Message.ID)
		}
	}
}
