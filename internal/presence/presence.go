// Package presence maintains the acting user's online flag. The
// graceful path is GoOnline/GoOffline around the session; because the
// offline write cannot be relied on under process kill, the tracker
// also beats a TTL'd liveness key so the backend ages the user out on
// its own.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/bus"
)

// Tracker owns one user's presence lifecycle.
type Tracker struct {
	store    backend.PresenceStore
	self     string
	interval time.Duration
	ttl      time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewTracker creates a presence tracker for the acting user.
func NewTracker(store backend.PresenceStore, self string, interval, ttl time.Duration, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:    store,
		self:     self,
		interval: interval,
		ttl:      ttl,
		bus:      b,
		logger:   logger,
	}
}

// GoOnline marks the user online and starts the heartbeat loop. Calling
// it twice restarts the loop.
func (t *Tracker) GoOnline(ctx context.Context) error {
	if err := t.store.SetOnline(ctx, t.self, t.ttl); err != nil {
		return err
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.beatLoop(loopCtx)

	if t.bus != nil {
		t.bus.Publish(bus.New("presence.self_online", t.self))
	}
	return nil
}

// GoOffline stops the heartbeat and records last-seen. Best effort on
// shutdown paths; the TTL covers the cases where it never runs.
func (t *Tracker) GoOffline(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if err := t.store.SetOffline(ctx, t.self, time.Now()); err != nil {
		return err
	}
	if t.bus != nil {
		t.bus.Publish(bus.New("presence.self_offline", t.self))
	}
	return nil
}

// Status reads another user's presence.
func (t *Tracker) Status(ctx context.Context, userID string) (backend.PresenceStatus, error) {
	return t.store.Status(ctx, userID)
}

func (t *Tracker) beatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.store.Beat(ctx, t.self, t.ttl); err != nil && t.logger != nil {
				t.logger.Warn("presence beat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
