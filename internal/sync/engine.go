// Package sync keeps the local mirror converged with the backend. The
// engine watches the conversation feed for the acting user, fans out
// one message watcher per conversation, persists everything into the
// SQLite cache and publishes change events on the bus. Feeds that drop
// are resubscribed with backoff; each fresh snapshot is authoritative
// and reconciled as a diff, never a blind append.
package sync

import (
	"context"
	"encoding/json"
	"strconv"
	syncpkg "sync"
	"time"

	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/attach"
	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/bus"
	"github.com/connexa/chatsync/internal/chat"
	"github.com/connexa/chatsync/internal/index"
	"github.com/connexa/chatsync/internal/store"
	"github.com/connexa/chatsync/internal/typing"
)

const (
	initialBackoff      = time.Second
	maxBackoff          = 30 * time.Second
	defaultPresencePoll = 5 * time.Second
)

// Engine drives the conversation and message feeds into the index and
// the cache.
type Engine struct {
	be          backend.Backend
	db          *store.DB
	ix          *index.Index
	bus         *bus.Bus
	reconciler  *Reconciler
	logger      *zap.Logger
	self        string
	pollEvery   time.Duration
	typingEvery time.Duration

	mu          syncpkg.Mutex
	cancel      context.CancelFunc
	watchers    map[string]context.CancelFunc
	known       map[string]backend.PresenceStatus
	typingFlags map[string]bool
	wg          syncpkg.WaitGroup
}

// NewEngine creates a sync engine for the acting user behind the index.
func NewEngine(be backend.Backend, db *store.DB, ix *index.Index, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		be:          be,
		db:          db,
		ix:          ix,
		bus:         b,
		reconciler:  NewReconciler(db, logger),
		logger:      logger,
		self:        ix.Self(),
		pollEvery:   defaultPresencePoll,
		typingEvery: typing.RefreshInterval,
		watchers:    make(map[string]context.CancelFunc),
		known:       make(map[string]backend.PresenceStatus),
		typingFlags: make(map[string]bool),
	}
}

// SetPresencePoll overrides the peer presence polling interval.
func (e *Engine) SetPresencePoll(d time.Duration) {
	if d > 0 {
		e.pollEvery = d
	}
}

// SetTypingPoll overrides the typing re-evaluation interval.
func (e *Engine) SetTypingPoll(d time.Duration) {
	if d > 0 {
		e.typingEvery = d
	}
}

// Start launches the conversation watcher, the presence poller and the
// typing re-evaluation ticker.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	if last, ok := e.reconciler.LastSnapshot(); ok {
		e.logger.Info("resuming from cached mirror", zap.Time("last_snapshot", last))
	}
	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.watchConversations(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.pollPresence(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.pollTyping(ctx)
	}()
}

// Stop cancels all watchers and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for _, cancel := range e.watchers {
		cancel()
	}
	e.watchers = make(map[string]context.CancelFunc)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) watchConversations(ctx context.Context) {
	backoff := initialBackoff
	query := backend.Query{
		Collection: "chats",
		Equals:     map[string]any{chat.ParticipantField(e.self): true},
	}

	for ctx.Err() == nil {
		sub, err := e.be.Subscribe(ctx, query)
		if err != nil {
			e.logger.Warn("conversation feed subscribe failed", zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff
		releaseOnCancel(ctx, sub)

		e.applyConversationSnapshot(sub.Snapshot)
		e.reconciler.MarkSnapshot()
		e.bus.Publish(bus.New("sync.snapshot_applied", len(sub.Snapshot)))

		for change := range sub.Events {
			e.handleConversationChange(change)
		}
		sub.Stop()
		if ctx.Err() != nil {
			return
		}

		e.logger.Warn("conversation feed dropped, resubscribing")
		e.bus.Publish(bus.New("sync.feed_dropped", "chats"))
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// applyConversationSnapshot treats the snapshot as the authoritative
// set: everything present is upserted, cached conversations absent from
// it are removed.
func (e *Engine) applyConversationSnapshot(snapshot []backend.Document) {
	present := make(map[string]bool, len(snapshot))
	for _, doc := range snapshot {
		c := chat.DecodeConversation(doc)
		present[c.ID] = true
		e.upsertConversation(c)
	}
	for _, id := range e.ix.ConversationIDs() {
		if !present[id] {
			e.removeConversation(id)
		}
	}
}

func (e *Engine) handleConversationChange(change backend.Change) {
	switch change.Kind {
	case backend.Added, backend.Modified:
		e.upsertConversation(chat.DecodeConversation(change.Doc))
	case backend.Removed:
		e.removeConversation(chat.DecodeConversation(change.Doc).ID)
	}
}

func (e *Engine) upsertConversation(c chat.Conversation) {
	e.ix.UpsertConversation(c)
	e.persistConversation(c)
	e.ensureMessageWatcher(c.ID)
	e.bus.Publish(bus.New("sync.conversation_upserted", c.ID))
}

func (e *Engine) removeConversation(id string) {
	e.mu.Lock()
	if cancel, ok := e.watchers[id]; ok {
		cancel()
		delete(e.watchers, id)
	}
	e.mu.Unlock()
	if err := e.db.DeleteConversation(id); err != nil {
		e.logger.Error("delete conversation from cache", zap.Error(err), zap.String("conversation_id", id))
	}
	e.bus.Publish(bus.New("sync.conversation_removed", id))
}

func (e *Engine) persistConversation(c chat.Conversation) {
	row := &store.Conversation{
		ID:                 c.ID,
		Peer:               c.Other(e.self),
		PairKey:            chat.PairKey(c.Participants[0], c.Participants[1]),
		LastMessageSummary: c.LastMessageSummary,
		LastUpdated:        c.LastUpdated,
		UnreadCount:        e.ix.Messages(c.ID).UnreadCount(e.self),
	}
	if err := e.db.UpsertConversation(row); err != nil {
		e.logger.Error("persist conversation", zap.Error(err), zap.String("conversation_id", c.ID))
	}
}

func (e *Engine) refreshConversationRow(conversationID string) {
	if c, ok := e.ix.Conversation(conversationID); ok {
		e.persistConversation(c)
	}
}

func (e *Engine) ensureMessageWatcher(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.watchers[conversationID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.watchers[conversationID] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchMessages(ctx, conversationID)
	}()
}

func (e *Engine) watchMessages(ctx context.Context, conversationID string) {
	backoff := initialBackoff
	query := backend.Query{
		Collection: "chats/" + conversationID + "/messages",
		OrderBy:    "createdAt",
	}

	for ctx.Err() == nil {
		sub, err := e.be.Subscribe(ctx, query)
		if err != nil {
			e.logger.Warn("message feed subscribe failed", zap.Error(err), zap.String("conversation_id", conversationID))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff
		releaseOnCancel(ctx, sub)

		msgs := make([]chat.Message, 0, len(sub.Snapshot))
		for _, doc := range sub.Snapshot {
			msgs = append(msgs, attach.DecodeMessage(conversationID, doc))
		}
		upserted, removed := e.ix.Messages(conversationID).Reconcile(msgs)
		for _, m := range msgs {
			e.persistMessage(m)
		}
		e.refreshConversationRow(conversationID)
		e.logger.Debug("message snapshot reconciled",
			zap.String("conversation_id", conversationID),
			zap.Int("upserted", upserted), zap.Int("removed", removed))

		for change := range sub.Events {
			e.handleMessageChange(conversationID, change)
		}
		sub.Stop()
		if ctx.Err() != nil {
			return
		}

		e.bus.Publish(bus.New("sync.feed_dropped", "chats/"+conversationID+"/messages"))
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (e *Engine) handleMessageChange(conversationID string, change backend.Change) {
	m := attach.DecodeMessage(conversationID, change.Doc)
	ms := e.ix.Messages(conversationID)

	switch change.Kind {
	case backend.Added, backend.Modified:
		ms.Append(m)
		e.persistMessage(m)
		e.bus.Publish(bus.New("sync.message_upserted", map[string]string{
			"conversation_id": conversationID,
			"msg_id":          m.ID,
		}))
	case backend.Removed:
		ms.Remove(m.ID)
		if err := e.db.DeleteMessage(conversationID, m.ID); err != nil {
			e.logger.Error("delete message from cache", zap.Error(err), zap.String("msg_id", m.ID))
		}
		e.bus.Publish(bus.New("sync.message_removed", map[string]string{
			"conversation_id": conversationID,
			"msg_id":          m.ID,
		}))
	}
	e.refreshConversationRow(conversationID)
}

func (e *Engine) persistMessage(m chat.Message) {
	row := &store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		Sender:         m.Sender,
		Kind:           string(m.Kind),
		Body:           m.Payload.Text,
		Payload:        payloadJSON(m.Payload),
		Read:           m.Read,
		Deleted:        m.DeletedForEveryone,
		CreatedAt:      m.CreatedAt,
	}
	if m.DeletedForEveryone {
		row.Body = ""
		row.Payload = "{}"
	}
	if err := e.db.UpsertMessage(row); err != nil {
		e.logger.Error("persist message", zap.Error(err), zap.String("msg_id", m.ID))
	}
}

// MarkViewed flips every unread inbound message in the conversation to
// read, pushes the flips upstream as one batch and advances the acting
// user's watermark on the conversation document.
func (e *Engine) MarkViewed(ctx context.Context, conversationID string) error {
	ms := e.ix.Messages(conversationID)
	flipped := ms.MarkRead(ms.UnreadIDs(e.self), e.self)

	if len(flipped) > 0 {
		updates := make([]backend.FieldUpdate, 0, len(flipped))
		for _, id := range flipped {
			updates = append(updates, backend.FieldUpdate{
				Path:  "chats/" + conversationID + "/messages/" + id,
				Field: "read",
				Value: true,
			})
		}
		if err := e.be.BatchUpdate(ctx, updates); err != nil {
			return err
		}
		if err := e.db.MarkMessagesRead(conversationID, flipped); err != nil {
			e.logger.Error("mark cached messages read", zap.Error(err), zap.String("conversation_id", conversationID))
		}
	}

	if err := e.be.Put(ctx, "chats/"+conversationID, map[string]any{
		chat.LastViewedField(e.self): backend.ServerTimestamp,
	}); err != nil {
		return err
	}

	e.refreshConversationRow(conversationID)
	e.bus.Publish(bus.New("sync.viewed", conversationID))
	return nil
}

func (e *Engine) pollPresence(ctx context.Context) {
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, peer := range e.ix.Peers() {
				st, err := e.be.Status(ctx, peer)
				if err != nil {
					e.logger.Warn("presence poll failed", zap.Error(err), zap.String("peer", peer))
					continue
				}
				e.ix.SetPresence(peer, st)
				e.mu.Lock()
				changed := e.known[peer] != st
				e.known[peer] = st
				e.mu.Unlock()
				if changed {
					e.bus.Publish(bus.New("presence.peer_changed", peer))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// pollTyping runs on its own, tighter cadence than the presence poll so
// a stale indicator clears within about a second of expiring.
func (e *Engine) pollTyping(ctx context.Context) {
	ticker := time.NewTicker(e.typingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reevaluateTyping()
		case <-ctx.Done():
			return
		}
	}
}

// reevaluateTyping rechecks typing freshness per conversation so an
// indicator decays even when the peer's last write simply ages out.
func (e *Engine) reevaluateTyping() {
	for _, id := range e.ix.ConversationIDs() {
		s, ok := e.ix.Summarize(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		prev, seen := e.typingFlags[id]
		e.typingFlags[id] = s.OtherTyping
		e.mu.Unlock()
		if (seen && prev != s.OtherTyping) || (!seen && s.OtherTyping) {
			e.bus.Publish(bus.New("typing.peer_changed", map[string]string{
				"conversation_id": id,
				"typing":          strconv.FormatBool(s.OtherTyping),
			}))
		}
	}
}

// releaseOnCancel stops the subscription once ctx is done so the event
// range in the watcher unblocks. Stop is safe to call twice.
func releaseOnCancel(ctx context.Context, sub *backend.Subscription) {
	go func() {
		<-ctx.Done()
		sub.Stop()
	}()
}

func payloadJSON(p chat.Payload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
