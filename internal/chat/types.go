package chat

import (
	"sort"
	"strings"
)

// Kind is the content classification of a message.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
)

// ValidKind reports whether s names a known kind.
func ValidKind(s string) bool {
	switch Kind(s) {
	case KindText, KindImage, KindVideo, KindDocument, KindLocation, KindContact:
		return true
	}
	return false
}

// Payload carries the kind-specific content of a message. Only the
// fields relevant to the message's kind are set.
type Payload struct {
	Text string

	URL        string
	MIME       string
	Bytes      int64
	Width      int
	Height     int
	DurationMs int64
	FileName   string

	Latitude  float64
	Longitude float64
	Address   string

	ContactName  string
	PhoneNumbers []string
	Emails       []string
}

// Message is one entry in a conversation. ID is unique within the
// conversation. CreatedAt is assigned by the store at write time and is
// the canonical ordering key, with ID breaking ties.
type Message struct {
	ID                 string
	ConversationID     string
	Sender             string
	CreatedAt          int64 // unix ms
	Read               bool
	Kind               Kind
	Payload            Payload
	DeletedForEveryone bool
}

// Before orders messages by (CreatedAt, ID) ascending.
func (m Message) Before(other Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// Conversation is a two-party chat thread. Participants are fixed at
// creation; each participant only ever writes its own LastViewed and
// TypingStatus sub-keys, so concurrent metadata writes never conflict.
type Conversation struct {
	ID                 string
	Participants       [2]string
	LastMessageSummary string
	LastUpdated        int64
	LastViewed         map[string]int64
	TypingStatus       map[string]int64 // 0 means not typing
}

// Other returns the participant that is not self, or "" if self is not
// a participant.
func (c Conversation) Other(self string) string {
	switch self {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// Has reports whether user participates in the conversation.
func (c Conversation) Has(user string) bool {
	return user == c.Participants[0] || user == c.Participants[1]
}

// PairKey returns the canonical key for an unordered participant pair.
func PairKey(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return p[0] + "|" + p[1]
}

// TombstoneSummary is shown in conversation lists for deleted messages.
const TombstoneSummary = "Message deleted"

// Summarize derives the short conversation-list text for a message.
func Summarize(m Message) string {
	if m.DeletedForEveryone {
		return TombstoneSummary
	}
	switch m.Kind {
	case KindImage:
		return "Image"
	case KindVideo:
		return "Video"
	case KindDocument:
		return "Document"
	case KindLocation:
		return "Location"
	case KindContact:
		return "Contact"
	}
	return truncate(strings.TrimSpace(m.Payload.Text), 100)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
