package chat

// UnreadCount derives the number of unread messages addressed to
// forUser. It is recomputed from the message set on every call rather
// than kept as a mutable counter, so redelivery and reordering cannot
// make it drift.
func (s *MessageStore) UnreadCount(forUser string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byID {
		if m.Sender != forUser && !m.Read {
			n++
		}
	}
	return n
}

// UnreadIDs returns the IDs counted by UnreadCount, for batch read
// receipts.
func (s *MessageStore) UnreadIDs(forUser string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, m := range s.byID {
		if m.Sender != forUser && !m.Read {
			ids = append(ids, id)
		}
	}
	return ids
}
