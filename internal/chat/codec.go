package chat

import (
	"strings"

	"github.com/connexa/chatsync/internal/backend"
)

// Conversation documents use flat dotted keys for the per-participant
// maps so each participant merges only its own sub-key.

const (
	fieldPairKey           = "pairKey"
	fieldParticipantPrefix = "participant."
	fieldLastViewedPrefix  = "lastViewed."
	fieldTypingPrefix      = "typingStatus."
	fieldLastSummary       = "lastMessageSummary"
	fieldLastUpdated       = "lastUpdated"
)

// EncodeConversation produces the field set for a new conversation doc.
func EncodeConversation(c Conversation) map[string]any {
	fields := map[string]any{
		fieldPairKey:     PairKey(c.Participants[0], c.Participants[1]),
		fieldLastSummary: c.LastMessageSummary,
		fieldLastUpdated: c.LastUpdated,
	}
	for _, p := range c.Participants {
		fields[fieldParticipantPrefix+p] = true
	}
	for user, ts := range c.LastViewed {
		fields[fieldLastViewedPrefix+user] = ts
	}
	return fields
}

// DecodeConversation rebuilds a Conversation from a document. Unknown
// fields are ignored; missing fields decode to zero values.
func DecodeConversation(doc backend.Document) Conversation {
	c := Conversation{
		ID:           docID(doc.Path),
		LastViewed:   make(map[string]int64),
		TypingStatus: make(map[string]int64),
	}
	var participants []string
	for k, v := range doc.Fields {
		switch {
		case k == fieldLastSummary:
			c.LastMessageSummary, _ = v.(string)
		case k == fieldLastUpdated:
			c.LastUpdated = asInt64(v)
		case strings.HasPrefix(k, fieldParticipantPrefix):
			if b, _ := v.(bool); b {
				participants = append(participants, k[len(fieldParticipantPrefix):])
			}
		case strings.HasPrefix(k, fieldLastViewedPrefix):
			c.LastViewed[k[len(fieldLastViewedPrefix):]] = asInt64(v)
		case strings.HasPrefix(k, fieldTypingPrefix):
			// A null typing value means "cleared".
			c.TypingStatus[k[len(fieldTypingPrefix):]] = asInt64(v)
		}
	}
	// Participants are immutable; sort for a stable pair.
	if len(participants) >= 2 {
		if participants[0] > participants[1] {
			participants[0], participants[1] = participants[1], participants[0]
		}
		c.Participants = [2]string{participants[0], participants[1]}
	} else if len(participants) == 1 {
		c.Participants[0] = participants[0]
	}
	return c
}

// TypingField returns the flat field name for a user's typing timestamp.
func TypingField(user string) string { return fieldTypingPrefix + user }

// LastViewedField returns the flat field name for a user's watermark.
func LastViewedField(user string) string { return fieldLastViewedPrefix + user }

// ParticipantField returns the flat membership field for a user.
func ParticipantField(user string) string { return fieldParticipantPrefix + user }

// PairKeyField is the canonical-pair index field name.
const PairKeyField = fieldPairKey

// LastSummaryField is the conversation-list preview field name.
const LastSummaryField = fieldLastSummary

// LastUpdatedField is the recency field name.
const LastUpdatedField = fieldLastUpdated

func docID(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
