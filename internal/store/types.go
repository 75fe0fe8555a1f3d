package store

// Conversation is a cached conversation row.
type Conversation struct {
	ID                 string
	Peer               string
	PairKey            string
	LastMessageSummary string
	LastUpdated        int64
	UnreadCount        int
}

// Message is a cached message row. Payload holds the kind-specific
// content as a JSON document.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	Sender         string
	Kind           string
	Body           string
	Payload        string
	Read           bool
	Deleted        bool
	CreatedAt      int64
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Kind           string
	Body           string
	Payload        string
	LocalFile      string
	Status         string // queued, sending, sent, failed
	Attempts       int
	ErrorMessage   string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
