package convo

import (
	"testing"
)

func TestApplyDedupesByID(t *testing.T) {
	v := NewView()
	msg := Message{ID: 5, Token: "tok1", SenderType: "client", SenderName: "Jamie", Content: "hello"}

	if !v.Apply(msg) {
		t.Fatal("first apply must add the entry")
	}
	if v.Apply(msg) {
		t.Fatal("second apply of the same id must be dropped")
	}
	if entries := v.Entries(); len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
}

func TestApplySortsByAssignedID(t *testing.T) {
	v := NewView()
	for _, id := range []int64{3, 1, 2} {
		v.Apply(Message{ID: id, SenderType: "client", SenderName: "Jamie", Content: "m"})
	}
	entries := v.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []int64{1, 2, 3} {
		if entries[i].ID != want {
			t.Fatalf("entry %d: expected id %d, got %d", i, want, entries[i].ID)
		}
	}
}

func TestPendingStaysAfterAssigned(t *testing.T) {
	v := NewView()
	v.Apply(Message{ID: 7, SenderType: "admin", SenderName: "Y", Content: "earlier"})
	v.AddPending("client", "Jamie", "draft", nil)
	v.Apply(Message{ID: 9, SenderType: "admin", SenderName: "Y", Content: "later"})

	entries := v.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != 7 || entries[1].ID != 9 {
		t.Fatalf("assigned ids must sort first, got %v", entries)
	}
	if entries[2].ID >= 0 {
		t.Fatalf("placeholder must stay last, got id %d", entries[2].ID)
	}
}

func TestConfirmReplacesPlaceholder(t *testing.T) {
	v := NewView()
	localID := v.AddPending("client", "Jamie", "hello", nil)

	v.Confirm(localID, Message{ID: 12, Token: "tok1", SenderType: "client", SenderName: "Jamie", Content: "hello"})

	entries := v.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry after confirm, got %d", len(entries))
	}
	if entries[0].ID != 12 {
		t.Fatalf("expected assigned id 12, got %d", entries[0].ID)
	}
}

func TestConfirmAfterBroadcastEchoDropsPlaceholder(t *testing.T) {
	v := NewView()
	localID := v.AddPending("client", "Jamie", "hello", nil)
	echo := Message{ID: 12, Token: "tok1", SenderType: "client", SenderName: "Jamie", Content: "hello"}

	// the broadcast echo collapses the placeholder before the ack lands
	if !v.Apply(echo) {
		t.Fatal("echo matching a placeholder still changes the visible entry")
	}
	v.Confirm(localID, echo)

	entries := v.Entries()
	if len(entries) != 1 || entries[0].ID != 12 {
		t.Fatalf("expected a single entry with id 12, got %v", entries)
	}
}

func TestApplyDoesNotCollapseForeignPlaceholder(t *testing.T) {
	v := NewView()
	v.AddPending("client", "Jamie", "my draft", nil)

	v.Apply(Message{ID: 3, SenderType: "admin", SenderName: "Y", Content: "unrelated"})

	entries := v.Entries()
	if len(entries) != 2 {
		t.Fatalf("a different sender's message must not consume the placeholder, got %v", entries)
	}
}

func TestRemoveDiscardsFailedSend(t *testing.T) {
	v := NewView()
	v.Apply(Message{ID: 1, SenderType: "admin", SenderName: "Y", Content: "kept"})
	localID := v.AddPending("client", "Jamie", "failing", nil)

	v.Remove(localID)

	entries := v.Entries()
	if len(entries) != 1 || entries[0].ID != 1 {
		t.Fatalf("expected only the assigned entry to survive, got %v", entries)
	}
}

func TestResetClearsEntries(t *testing.T) {
	v := NewView()
	v.Apply(Message{ID: 1, SenderType: "client", SenderName: "Jamie", Content: "old room"})
	v.AddPending("client", "Jamie", "draft", nil)

	v.Reset()

	if entries := v.Entries(); len(entries) != 0 {
		t.Fatalf("expected empty view after reset, got %v", entries)
	}
}
