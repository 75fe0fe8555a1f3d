// Package typing propagates the ephemeral "currently typing" flag for a
// conversation. The writer debounces keystroke bursts into one write
// per quiet window and clears on send or inactivity; the reader is a
// pure freshness check over the last known snapshot, so a stale flag
// ages out even if no clearing write ever arrives.
package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/chat"
)

const (
	// DefaultFreshness is how long a typing timestamp counts as typing.
	DefaultFreshness = 5 * time.Second
	// DefaultIdle clears the local flag after this much keyboard silence.
	DefaultIdle = 3 * time.Second
	// DefaultQuiet suppresses repeat writes after an announce.
	DefaultQuiet = time.Second
	// RefreshInterval is how often readers should re-evaluate IsTyping
	// when the transport pushes nothing on expiry.
	RefreshInterval = time.Second
)

// IsTyping reports whether the user's typing timestamp in a
// conversation snapshot is fresh at the given instant.
func IsTyping(status map[string]int64, user string, now time.Time, window time.Duration) bool {
	ts := status[user]
	if ts == 0 {
		return false
	}
	return now.UnixMilli()-ts < window.Milliseconds()
}

// Signal is the typing writer for one conversation on behalf of one
// user. It only ever writes its own typingStatus sub-key.
type Signal struct {
	docs   backend.DocumentStore
	path   string // conversation document path
	self   string
	quiet  time.Duration
	idle   time.Duration
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	lastWrite time.Time
	idleTimer *time.Timer
}

// NewSignal creates a typing writer for the conversation document.
func NewSignal(docs backend.DocumentStore, conversationID, self string, quiet, idle time.Duration, logger *zap.Logger) *Signal {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Signal{
		docs:   docs,
		path:   "chats/" + conversationID,
		self:   self,
		quiet:  quiet,
		idle:   idle,
		clock:  time.Now,
		logger: logger,
	}
}

// Announce records that the local user is typing. The first keystroke
// after silence writes immediately; further keystrokes within the quiet
// window only rearm the idle clear.
func (s *Signal) Announce(ctx context.Context) error {
	s.mu.Lock()
	now := s.clock()
	s.armIdleLocked()
	if now.Sub(s.lastWrite) < s.quiet {
		s.mu.Unlock()
		return nil
	}
	s.lastWrite = now
	s.mu.Unlock()

	return s.docs.Put(ctx, s.path, map[string]any{
		chat.TypingField(s.self): backend.ServerTimestamp,
	})
}

// Clear nulls the local user's typing timestamp. Called on message send
// and by the idle timer.
func (s *Signal) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.lastWrite = time.Time{}
	s.mu.Unlock()

	return s.docs.Put(ctx, s.path, map[string]any{
		chat.TypingField(s.self): nil,
	})
}

func (s *Signal) armIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idle, func() {
		if err := s.Clear(context.Background()); err != nil && s.logger != nil {
			s.logger.Warn("typing idle clear failed", zap.Error(err))
		}
	})
}

// Registry hands out one Signal per conversation.
type Registry struct {
	docs   backend.DocumentStore
	self   string
	quiet  time.Duration
	idle   time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	signals map[string]*Signal
}

// NewRegistry creates a Signal factory bound to the acting user.
func NewRegistry(docs backend.DocumentStore, self string, quiet, idle time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		docs:    docs,
		self:    self,
		quiet:   quiet,
		idle:    idle,
		logger:  logger,
		signals: make(map[string]*Signal),
	}
}

// Signal returns the typing writer for a conversation, creating it on
// first use.
func (r *Registry) Signal(conversationID string) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[conversationID]
	if !ok {
		s = NewSignal(r.docs, conversationID, r.self, r.quiet, r.idle, r.logger)
		r.signals[conversationID] = s
	}
	return s
}

// Announce forwards to the conversation's signal.
func (r *Registry) Announce(ctx context.Context, conversationID string) error {
	return r.Signal(conversationID).Announce(ctx)
}

// Clear forwards to the conversation's signal.
func (r *Registry) Clear(ctx context.Context, conversationID string) error {
	return r.Signal(conversationID).Clear(ctx)
}
