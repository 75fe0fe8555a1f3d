package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	ch, stop := b.Subscribe("chat.", 10)
	defer stop()

	b.Publish(New("chat.message_upserted", "m1"))

	select {
	case evt := <-ch:
		if evt.Kind != "chat.message_upserted" {
			t.Errorf("got kind %q, want chat.message_upserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := NewBus()
	ch, stop := b.Subscribe("typing.", 10)
	defer stop()

	b.Publish(New("chat.message_upserted", nil))
	b.Publish(New("typing.changed", nil))

	select {
	case evt := <-ch:
		if evt.Kind != "typing.changed" {
			t.Errorf("got kind %q, want typing.changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := NewBus()
	ch, stop := b.Subscribe("", 10)
	defer stop()

	b.Publish(New("presence.changed", nil))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("empty prefix should receive every event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()
	ch, stop := b.Subscribe("chat.", 10)
	stop()

	b.Publish(New("chat.message_upserted", nil))

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := NewBus()
	ch, stop := b.Subscribe("chat.", 1)
	defer stop()

	b.Publish(New("chat.one", nil))
	b.Publish(New("chat.two", nil))

	evt := <-ch
	if evt.Kind != "chat.one" {
		t.Errorf("got %q, want chat.one", evt.Kind)
	}
}
