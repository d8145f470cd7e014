package matrix

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Timeline is the ordered, deduplicated message list of one room. All
// mutation goes through the internal lock so incremental sync updates and
// pagination results cannot corrupt message order.
//
// Ordering is primarily by date. Identity is the SameMessage predicate:
// applying the same sync response twice leaves the list unchanged.
type Timeline struct {
	mu   sync.RWMutex
	msgs []*Message
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Add inserts a message preserving date order. Exact-identity duplicates
// are rejected. A duplicate that carries a server event ID while the stored
// entry does not is the send acknowledgment / sync echo of a locally-queued
// message: the pending entry is spliced out and replaced by the
// authoritative one.
func (t *Timeline) Add(msg *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.msgs {
		if !SameMessage(existing, msg) {
			continue
		}
		if existing.ID == "" && msg.ID != "" {
			t.spliceLocked(i, msg)
		}
		return false
	}
	t.insertLocked(msg)
	return true
}

// AddHead inserts older messages at the head of the timeline. The input is
// expected in ascending date order (pagination responses arrive reversed
// from the wire and are re-reversed by the paginator before storage).
// Returns how many messages were actually new.
func (t *Timeline) AddHead(msgs []*Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, msg := range msgs {
		if t.addLocked(msg) {
			added++
		}
	}
	return added
}

// AddAll appends a batch in the order the server returned it, deduplicating
// each entry. Returns the messages that were actually new.
func (t *Timeline) AddAll(msgs []*Message) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var added []*Message
	for _, msg := range msgs {
		if t.addLocked(msg) {
			added = append(added, msg)
		}
	}
	return added
}

func (t *Timeline) addLocked(msg *Message) bool {
	for i, existing := range t.msgs {
		if !SameMessage(existing, msg) {
			continue
		}
		if existing.ID == "" && msg.ID != "" {
			t.spliceLocked(i, msg)
		}
		return false
	}
	t.insertLocked(msg)
	return true
}

// insertLocked places msg at the latest position whose date is not after
// msg's, keeping insertion stable for equal dates.
func (t *Timeline) insertLocked(msg *Message) {
	pos := len(t.msgs)
	for pos > 0 && t.msgs[pos-1].Date.After(msg.Date) {
		pos--
	}
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[pos+1:], t.msgs[pos:])
	t.msgs[pos] = msg
}

func (t *Timeline) spliceLocked(i int, msg *Message) {
	// Preserve receipts accumulated on the pending entry.
	if len(t.msgs[i].Receipts) > 0 {
		if msg.Receipts == nil {
			msg.Receipts = make(map[id.UserID]int64, len(t.msgs[i].Receipts))
		}
		for uid, ts := range t.msgs[i].Receipts {
			if _, ok := msg.Receipts[uid]; !ok {
				msg.Receipts[uid] = ts
			}
		}
	}
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	t.insertLocked(msg)
}

// ApplyRedaction marks the message with the given event ID as redacted.
// The message is retained in place, not deleted, so a consumer can render
// "this message was deleted".
func (t *Timeline) ApplyRedaction(target id.EventID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range t.msgs {
		if msg.ID == target {
			msg.Redacted = true
			return true
		}
	}
	return false
}

// ApplyReceipt records a read receipt for the given event. Additive:
// other users' receipts are preserved, a newer receipt for the same user
// overwrites. Zero timestamps from buggy homeservers are kept as-is.
func (t *Timeline) ApplyReceipt(target id.EventID, user id.UserID, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range t.msgs {
		if msg.ID == target {
			if msg.Receipts == nil {
				msg.Receipts = make(map[id.UserID]int64)
			}
			msg.Receipts[user] = ts
			return true
		}
	}
	return false
}

// MarkFullyRead folds an m.fully_read marker into the target message's
// receipt map under the local user's ID, with value 0 since that channel
// carries no numeric timestamp.
func (t *Timeline) MarkFullyRead(target id.EventID, user id.UserID) bool {
	return t.ApplyReceipt(target, user, 0)
}

// Messages returns a snapshot of the timeline in ascending date order.
func (t *Timeline) Messages() []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Newest returns the most recent message, or nil for an empty timeline.
func (t *Timeline) Newest() *Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return nil
	}
	return t.msgs[len(t.msgs)-1]
}

// Find returns the stored message with the given event ID.
func (t *Timeline) Find(eventID id.EventID) *Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range t.msgs {
		if msg.ID == eventID {
			return msg
		}
	}
	return nil
}
