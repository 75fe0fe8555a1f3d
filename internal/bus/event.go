package bus

import "time"

// Event is a domain event published on the bus. Kind is a dotted name
// ("chat.message_upserted", "presence.changed") so consumers can
// subscribe to a whole namespace by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// New builds an event stamped with the current time.
func New(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
