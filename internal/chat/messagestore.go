package chat

import (
	"sort"
	"sync"
)

// MessageStore holds the ordered view of one conversation's messages.
// The change feed delivers at-least-once and bursts may arrive out of
// order, so the store upserts by ID and sorts on read instead of
// trusting arrival order.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID string
	byID           map[string]Message
}

// NewMessageStore creates an empty store for one conversation.
func NewMessageStore(conversationID string) *MessageStore {
	return &MessageStore{
		conversationID: conversationID,
		byID:           make(map[string]Message),
	}
}

// ConversationID returns the owning conversation.
func (s *MessageStore) ConversationID() string { return s.conversationID }

// Append upserts a message. Redelivered messages replace in place.
func (s *MessageStore) Append(m Message) {
	s.mu.Lock()
	s.byID[m.ID] = m
	s.mu.Unlock()
}

// AppendBatch upserts a burst of messages.
func (s *MessageStore) AppendBatch(ms []Message) {
	s.mu.Lock()
	for _, m := range ms {
		s.byID[m.ID] = m
	}
	s.mu.Unlock()
}

// Reconcile makes the store match an authoritative snapshot: present
// messages are upserted, local messages absent from the snapshot are
// dropped. Returns how many were added or updated and how many removed.
func (s *MessageStore) Reconcile(snapshot []Message) (upserted, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(snapshot))
	for _, m := range snapshot {
		keep[m.ID] = true
		s.byID[m.ID] = m
		upserted++
	}
	for id := range s.byID {
		if !keep[id] {
			delete(s.byID, id)
			removed++
		}
	}
	return upserted, removed
}

// Remove drops a message the feed reported as deleted.
func (s *MessageStore) Remove(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// Get returns a message by ID.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	m, ok := s.byID[id]
	s.mu.RUnlock()
	return m, ok
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	n := len(s.byID)
	s.mu.RUnlock()
	return n
}

// MarkRead flips read=true for the given IDs where the sender is not
// the reader. Unknown or already-read IDs are skipped. Returns the IDs
// actually flipped, which the caller pushes upstream as a batch write.
func (s *MessageStore) MarkRead(ids []string, reader string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flipped []string
	for _, id := range ids {
		m, ok := s.byID[id]
		if !ok || m.Read || m.Sender == reader {
			continue
		}
		m.Read = true
		s.byID[id] = m
		flipped = append(flipped, id)
	}
	return flipped
}

// VisibleMessage is a message as the rendering layer should see it:
// deleted messages keep their slot in the ordering but carry a
// tombstone instead of their payload.
type VisibleMessage struct {
	Message
	Tombstone bool
}

// VisibleSequence returns all messages sorted by (CreatedAt, ID)
// ascending. Messages deleted for everyone stay in position with their
// payload suppressed, so date-header grouping around them is stable.
func (s *MessageStore) VisibleSequence() []VisibleMessage {
	s.mu.RLock()
	msgs := make([]Message, 0, len(s.byID))
	for _, m := range s.byID {
		msgs = append(msgs, m)
	}
	s.mu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })

	out := make([]VisibleMessage, len(msgs))
	for i, m := range msgs {
		v := VisibleMessage{Message: m}
		if m.DeletedForEveryone {
			v.Tombstone = true
			v.Payload = Payload{}
		}
		out[i] = v
	}
	return out
}

// Latest returns the newest message by (CreatedAt, ID).
func (s *MessageStore) Latest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest Message
	found := false
	for _, m := range s.byID {
		if !found || latest.Before(m) {
			latest = m
			found = true
		}
	}
	return latest, found
}
