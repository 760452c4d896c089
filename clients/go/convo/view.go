package convo

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Message mirrors the server's wire message. Placeholder entries created by
// optimistic sends carry negative ids until the store-assigned id arrives.
type Message struct {
	ID          int64     `json:"id"`
	Token       string    `json:"token"`
	SenderType  string    `json:"senderType"`
	SenderName  string    `json:"senderName"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"createdAt"`
}

// View is the ordered local rendering of one conversation. Authoritative
// entries sort by assigned id; placeholders keep insertion order at the end.
type View struct {
	mu        sync.Mutex
	entries   []Message
	nextLocal int64
}

func NewView() *View {
	return &View{nextLocal: -1}
}

func (v *View) Entries() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Message, len(v.entries))
	copy(out, v.entries)
	return out
}

func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = nil
	v.nextLocal = -1
}

// AddPending inserts an optimistic placeholder and returns its local id.
func (v *View) AddPending(senderType, senderName, content string, attachments []string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextLocal
	v.nextLocal--
	v.entries = append(v.entries, Message{
		ID:          id,
		SenderType:  senderType,
		SenderName:  senderName,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	})
	return id
}

// Apply merges an authoritative broadcast into the view. It reports whether
// the view gained a new visible entry; a message whose id is already present
// is dropped.
func (v *View) Apply(msg Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, added := mergeBroadcast(v.entries, msg)
	v.entries = entries
	return added
}

// Confirm reconciles a pending placeholder against the send acknowledgment.
func (v *View) Confirm(localID int64, msg Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = confirmPending(v.entries, localID, msg)
}

// Remove discards a placeholder whose send failed.
func (v *View) Remove(localID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.entries[:0]
	for _, e := range v.entries {
		if e.ID != localID {
			out = append(out, e)
		}
	}
	v.entries = out
}

// mergeBroadcast is the pure merge step: dedupe by assigned id, collapse a
// matching optimistic placeholder when one exists, otherwise append in id
// order.
func mergeBroadcast(entries []Message, msg Message) ([]Message, bool) {
	for _, e := range entries {
		if e.ID == msg.ID {
			return entries, false
		}
	}
	out := make([]Message, len(entries))
	copy(out, entries)
	for i, e := range out {
		if e.ID < 0 && placeholderMatches(e, msg) {
			out[i] = msg
			return sortEntries(out), true
		}
	}
	return sortEntries(append(out, msg)), true
}

// confirmPending swaps a placeholder for its authoritative copy. If the
// broadcast echo already landed the placeholder is simply dropped.
func confirmPending(entries []Message, localID int64, msg Message) []Message {
	exists := false
	for _, e := range entries {
		if e.ID == msg.ID {
			exists = true
			break
		}
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.ID == localID {
			if !exists {
				out = append(out, msg)
			}
			continue
		}
		out = append(out, e)
	}
	return sortEntries(out)
}

func placeholderMatches(pending, msg Message) bool {
	if pending.SenderType != msg.SenderType || pending.SenderName != msg.SenderName {
		return false
	}
	// attachment-only sends have empty local content while the server fills
	// in the placeholder text
	content := strings.TrimSpace(pending.Content)
	return content == "" || content == strings.TrimSpace(msg.Content)
}

func sortEntries(entries []Message) []Message {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.ID > 0 && b.ID > 0:
			return a.ID < b.ID
		case a.ID > 0 && b.ID < 0:
			return true
		default:
			return false
		}
	})
	return entries
}
