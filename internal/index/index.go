// Package index maintains the per-user list of conversation summary
// rows: last message, recency, unread count, peer typing flag and peer
// presence, composed from the per-conversation state the sync engine
// feeds in.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/chat"
	"github.com/connexa/chatsync/internal/typing"
)

// pairNamespace salts the deterministic conversation ID derivation.
var pairNamespace = uuid.MustParse("f3b1e6a8-52c4-4d2e-9b0a-8a2f6f4f1c7d")

// ConversationID derives the canonical conversation identity for an
// unordered participant pair. Racing creators compute the same ID, so
// both land on one document and creation converges by construction.
func ConversationID(a, b string) string {
	return uuid.NewSHA1(pairNamespace, []byte(chat.PairKey(a, b))).String()
}

// Summary is one home-view row.
type Summary struct {
	ConversationID     string
	Other              string
	LastMessageSummary string
	LastUpdated        int64
	Unread             int
	OtherTyping        bool
	OtherOnline        bool
	OtherLastSeen      int64
}

// Index composes conversations, message stores and presence snapshots
// for one acting user.
type Index struct {
	self      string
	docs      backend.DocumentStore
	freshness time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	convs    map[string]chat.Conversation
	msgs     map[string]*chat.MessageStore
	presence map[string]backend.PresenceStatus
}

// New creates an index for the acting user.
func New(docs backend.DocumentStore, self string, freshness time.Duration, logger *zap.Logger) *Index {
	if freshness <= 0 {
		freshness = typing.DefaultFreshness
	}
	return &Index{
		self:      self,
		docs:      docs,
		freshness: freshness,
		clock:     time.Now,
		logger:    logger,
		convs:     make(map[string]chat.Conversation),
		msgs:      make(map[string]*chat.MessageStore),
		presence:  make(map[string]backend.PresenceStatus),
	}
}

// Self returns the acting user's identity.
func (ix *Index) Self() string { return ix.self }

// UpsertConversation replaces the cached conversation metadata.
// Conversations the acting user does not participate in are ignored.
func (ix *Index) UpsertConversation(c chat.Conversation) {
	if !c.Has(ix.self) {
		return
	}
	ix.mu.Lock()
	ix.convs[c.ID] = c
	ix.mu.Unlock()
}

// Conversation returns cached conversation metadata.
func (ix *Index) Conversation(id string) (chat.Conversation, bool) {
	ix.mu.RLock()
	c, ok := ix.convs[id]
	ix.mu.RUnlock()
	return c, ok
}

// ConversationIDs returns the cached conversation identities.
func (ix *Index) ConversationIDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]string, 0, len(ix.convs))
	for id := range ix.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Messages returns the message store for a conversation, creating an
// empty one on first use.
func (ix *Index) Messages(conversationID string) *chat.MessageStore {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s, ok := ix.msgs[conversationID]
	if !ok {
		s = chat.NewMessageStore(conversationID)
		ix.msgs[conversationID] = s
	}
	return s
}

// SetPresence caches the last known presence of a peer.
func (ix *Index) SetPresence(user string, st backend.PresenceStatus) {
	ix.mu.Lock()
	ix.presence[user] = st
	ix.mu.Unlock()
}

// Peers returns the set of other participants across conversations.
func (ix *Index) Peers() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]bool)
	var peers []string
	for _, c := range ix.convs {
		other := c.Other(ix.self)
		if other != "" && !seen[other] {
			seen[other] = true
			peers = append(peers, other)
		}
	}
	sort.Strings(peers)
	return peers
}

// List returns summary rows for every conversation the acting user
// participates in, ordered by last update descending.
func (ix *Index) List() []Summary {
	ix.mu.RLock()
	ids := make([]string, 0, len(ix.convs))
	for id := range ix.convs {
		ids = append(ids, id)
	}
	ix.mu.RUnlock()

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		if s, ok := ix.Summarize(id); ok {
			summaries = append(summaries, s)
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastUpdated != summaries[j].LastUpdated {
			return summaries[i].LastUpdated > summaries[j].LastUpdated
		}
		return summaries[i].ConversationID < summaries[j].ConversationID
	})
	return summaries
}

// Summarize builds the summary row for one conversation from local
// derived state only; it never touches the backend.
func (ix *Index) Summarize(conversationID string) (Summary, bool) {
	ix.mu.RLock()
	c, ok := ix.convs[conversationID]
	msgs := ix.msgs[conversationID]
	var peerStatus backend.PresenceStatus
	if ok {
		peerStatus = ix.presence[c.Other(ix.self)]
	}
	now := ix.clock()
	ix.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}

	other := c.Other(ix.self)
	s := Summary{
		ConversationID:     conversationID,
		Other:              other,
		LastMessageSummary: c.LastMessageSummary,
		LastUpdated:        c.LastUpdated,
		OtherTyping:        typing.IsTyping(c.TypingStatus, other, now, ix.freshness),
		OtherOnline:        peerStatus.Online,
		OtherLastSeen:      peerStatus.LastSeen,
	}
	if msgs != nil {
		s.Unread = msgs.UnreadCount(ix.self)
		if s.LastMessageSummary == "" {
			if latest, ok := msgs.Latest(); ok {
				s.LastMessageSummary = chat.Summarize(latest)
			}
		}
	}
	return s, true
}

// EnsureConversation returns the conversation identity for the pair
// (self, other), creating the document if none exists. The lookup runs
// query-before-create; because the identity is derived from the pair,
// two racing creates merge into the same document and both callers
// succeed.
func (ix *Index) EnsureConversation(ctx context.Context, other string) (string, error) {
	if other == "" || other == ix.self {
		return "", fmt.Errorf("invalid peer %q", other)
	}

	key := chat.PairKey(ix.self, other)
	existing, err := ix.docs.Query(ctx, backend.Query{
		Collection: "chats",
		Equals:     map[string]any{chat.PairKeyField: key},
	})
	if err != nil {
		return "", fmt.Errorf("query conversations: %w", err)
	}
	if len(existing) > 0 {
		c := chat.DecodeConversation(existing[0])
		ix.UpsertConversation(c)
		return c.ID, nil
	}

	id := ConversationID(ix.self, other)
	c := chat.Conversation{ID: id}
	if ix.self < other {
		c.Participants = [2]string{ix.self, other}
	} else {
		c.Participants = [2]string{other, ix.self}
	}
	fields := chat.EncodeConversation(c)
	fields[chat.LastUpdatedField] = backend.ServerTimestamp
	fields[chat.LastViewedField(ix.self)] = backend.ServerTimestamp
	if err := ix.docs.Put(ctx, "chats/"+id, fields); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if ix.logger != nil {
		ix.logger.Info("conversation created", zap.String("conversation_id", id), zap.String("peer", other))
	}
	ix.UpsertConversation(c)
	return id, nil
}
