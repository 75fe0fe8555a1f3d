package presence

import (
	"context"
	"testing"
	"time"

	"github.com/connexa/chatsync/internal/backend/memory"
	"github.com/connexa/chatsync/internal/bus"
)

func TestGoOnlineOffline(t *testing.T) {
	be := memory.New()
	b := bus.NewBus()
	ch, stop := b.Subscribe("presence.", 10)
	defer stop()

	tr := NewTracker(be, "alice", time.Hour, time.Hour, b, nil)
	ctx := context.Background()

	if err := tr.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := be.Status(ctx, "alice")
	if !st.Online {
		t.Error("alice should be online")
	}
	select {
	case evt := <-ch:
		if evt.Kind != "presence.self_online" {
			t.Errorf("event = %q, want presence.self_online", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for online event")
	}

	if err := tr.GoOffline(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = be.Status(ctx, "alice")
	if st.Online {
		t.Error("alice should be offline")
	}
	if st.LastSeen == 0 {
		t.Error("lastSeen should be set after graceful offline")
	}
}

func TestHeartbeatKeepsUserOnline(t *testing.T) {
	be := memory.New()
	tr := NewTracker(be, "alice", 10*time.Millisecond, 50*time.Millisecond, nil, nil)
	ctx := context.Background()

	if err := tr.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tr.GoOffline(ctx) }()

	// Well past the initial TTL, the beats must have kept us online.
	time.Sleep(150 * time.Millisecond)
	st, _ := be.Status(ctx, "alice")
	if !st.Online {
		t.Error("heartbeat should keep alice online past the initial TTL")
	}
}

func TestExpiryWithoutGoodbye(t *testing.T) {
	be := memory.New()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	be.SetClock(func() time.Time { return now })

	tr := NewTracker(be, "alice", time.Hour, 30*time.Second, nil, nil)
	if err := tr.GoOnline(ctx); err != nil {
		t.Fatal(err)
	}
	// Simulate process kill: no GoOffline, no beats; advance the clock.
	tr.mu.Lock()
	tr.cancel()
	tr.cancel = nil
	tr.mu.Unlock()

	now = now.Add(time.Minute)
	st, _ := be.Status(ctx, "alice")
	if st.Online {
		t.Error("alice should read offline after the beat TTL lapses")
	}
}
