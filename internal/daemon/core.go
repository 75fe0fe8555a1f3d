// Package daemon composes the sync stack behind one session: identity,
// backend, cache, index, typing, presence, sync engine and outbox, all
// wired through fx and coordinated by the status machine.
package daemon

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/bus"
	"github.com/connexa/chatsync/internal/chat"
	"github.com/connexa/chatsync/internal/config"
	"github.com/connexa/chatsync/internal/identity"
	"github.com/connexa/chatsync/internal/index"
	"github.com/connexa/chatsync/internal/outbox"
	"github.com/connexa/chatsync/internal/presence"
	"github.com/connexa/chatsync/internal/status"
	"github.com/connexa/chatsync/internal/store"
	intsync "github.com/connexa/chatsync/internal/sync"
	"github.com/connexa/chatsync/internal/typing"
)

// Core owns the per-identity sync stack. The stack only exists while
// someone is signed in; sign-out tears it down and returns the daemon
// to AUTH_REQUIRED.
type Core struct {
	cfg      *config.Config
	db       *store.DB
	be       backend.Backend
	ident    *identity.Provider
	uploader outbox.Uploader
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger

	mu         stdsync.Mutex
	ix         *index.Index
	engine     *intsync.Engine
	sender     *outbox.Sender
	typing     *typing.Registry
	tracker    *presence.Tracker
	stopStatus func()
}

// NewCore creates the session core. The stack stays dormant until SignIn.
func NewCore(cfg *config.Config, db *store.DB, be backend.Backend, ident *identity.Provider, uploader outbox.Uploader, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{
		cfg:      cfg,
		db:       db,
		be:       be,
		ident:    ident,
		uploader: uploader,
		bus:      b,
		machine:  machine,
		logger:   logger,
	}
}

// SignIn validates the token and brings the sync stack up for its
// subject.
func (c *Core) SignIn(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != nil {
		return fmt.Errorf("already signed in")
	}

	userID, err := c.ident.SignIn(token)
	if err != nil {
		return err
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		c.logger.Warn("status transition", zap.Error(err))
	}

	c.ix = index.New(c.be, userID, c.cfg.TypingFreshness(), c.logger)
	c.typing = typing.NewRegistry(c.be, userID, c.cfg.TypingQuiet(), c.cfg.TypingIdle(), c.logger)
	c.tracker = presence.NewTracker(c.be, userID, c.cfg.HeartbeatInterval(), c.cfg.HeartbeatTTL(), c.bus, c.logger)
	c.engine = intsync.NewEngine(c.be, c.db, c.ix, c.bus, c.logger)
	c.sender = outbox.NewSender(c.db, c.be, c.ix, c.uploader, c.typing, c.bus, c.logger)
	c.sender.SetRetry(c.cfg.Send.Attempts,
		time.Duration(c.cfg.Send.BackoffMs)*time.Millisecond,
		time.Duration(c.cfg.Send.MaxBackoffMs)*time.Millisecond)

	c.startStatusLoop()
	if err := c.machine.Transition(status.Syncing); err != nil {
		c.logger.Warn("status transition", zap.Error(err))
	}
	c.engine.Start(context.Background())
	c.sender.Start(context.Background())
	if err := c.tracker.GoOnline(ctx); err != nil {
		c.logger.Warn("go online failed", zap.Error(err))
	}

	c.logger.Info("sync stack started", zap.String("user_id", userID))
	return nil
}

// SignOut tears the stack down and marks the user offline.
func (c *Core) SignOut(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return
	}

	c.sender.Stop()
	c.engine.Stop()
	if c.stopStatus != nil {
		c.stopStatus()
		c.stopStatus = nil
	}
	if err := c.tracker.GoOffline(ctx); err != nil {
		c.logger.Warn("go offline failed", zap.Error(err))
	}
	c.ident.SignOut()

	c.ix = nil
	c.engine = nil
	c.sender = nil
	c.typing = nil
	c.tracker = nil

	if err := c.machine.Transition(status.AuthRequired); err != nil {
		c.logger.Warn("status transition", zap.Error(err))
	}
	c.logger.Info("sync stack stopped")
}

// startStatusLoop mirrors feed health into the status machine: a drop
// degrades READY to RECONNECTING, a fresh authoritative snapshot walks
// back to READY.
func (c *Core) startStatusLoop() {
	ch, unsub := c.bus.Subscribe("sync.", 64)
	done := make(chan struct{})
	c.stopStatus = func() {
		unsub()
		close(done)
	}
	go func() {
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case "sync.snapshot_applied":
					switch c.machine.Current() {
					case status.Syncing:
						_ = c.machine.Transition(status.Ready)
					case status.Reconnecting:
						if c.machine.Transition(status.Syncing) == nil {
							_ = c.machine.Transition(status.Ready)
						}
					}
				case "sync.feed_dropped":
					if c.machine.Current() == status.Ready {
						_ = c.machine.Transition(status.Reconnecting)
					}
				}
			case <-done:
				return
			}
		}
	}()
}

// Status returns the daemon lifecycle state.
func (c *Core) Status() status.State { return c.machine.Current() }

// CurrentUser returns the signed-in user, if any.
func (c *Core) CurrentUser() (string, bool) { return c.ident.CurrentUser() }

// Index returns the live conversation index. Nil while signed out.
func (c *Core) Index() *index.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ix
}

// Send queues an outgoing message.
func (c *Core) Send(ctx context.Context, conversationID string, kind chat.Kind, payload chat.Payload, localFile string) (string, error) {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return "", fmt.Errorf("not signed in")
	}
	return sender.Send(ctx, conversationID, kind, payload, localFile)
}

// RetrySend requeues a failed outbox entry.
func (c *Core) RetrySend(clientMsgID string) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("not signed in")
	}
	return sender.Retry(clientMsgID)
}

// MarkViewed flips unread messages and advances the watermark.
func (c *Core) MarkViewed(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return fmt.Errorf("not signed in")
	}
	return engine.MarkViewed(ctx, conversationID)
}

// EnsureConversation returns the conversation with the peer, creating
// it if needed.
func (c *Core) EnsureConversation(ctx context.Context, other string) (string, error) {
	c.mu.Lock()
	ix := c.ix
	c.mu.Unlock()
	if ix == nil {
		return "", fmt.Errorf("not signed in")
	}
	return ix.EnsureConversation(ctx, other)
}

// AnnounceTyping records a keystroke in the conversation.
func (c *Core) AnnounceTyping(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	reg := c.typing
	c.mu.Unlock()
	if reg == nil {
		return fmt.Errorf("not signed in")
	}
	return reg.Announce(ctx, conversationID)
}

// Search runs a full-text search over the cached message bodies.
func (c *Core) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return c.db.SearchMessages(query, conversationID, limit)
}
