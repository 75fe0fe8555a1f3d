// Package backend defines the contracts the sync core consumes from the
// external platform: a document store with merge writes and server
// timestamps, a change feed with snapshot-then-diff delivery, and a
// presence store with server-side expiry. Adapters live in the
// subpackages; everything above this package is backend-agnostic.
package backend

import (
	"context"
	"time"
)

// serverTime is the sentinel resolved to the store's clock at write time.
type serverTime struct{}

// ServerTimestamp marks a field to be assigned the server's clock when
// the write is applied. The resolved value is an int64 Unix millisecond
// timestamp, unknown to the client until read back.
var ServerTimestamp any = serverTime{}

// IsServerTimestamp reports whether v is the server timestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTime)
	return ok
}

// Document is a stored record. Fields use flat dotted keys for nested
// maps ("typingStatus.u1"), matching per-sub-key merge semantics.
type Document struct {
	Path   string // "<collection>/<id>"
	Fields map[string]any
}

// FieldUpdate is a single-field write, the unit of BatchUpdate.
type FieldUpdate struct {
	Path  string
	Field string
	Value any
}

// Query selects documents of one collection by field equality,
// ordered ascending by OrderBy when set.
type Query struct {
	Collection string
	Equals     map[string]any
	OrderBy    string
}

// ChangeKind classifies a feed event.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

// Change is one incremental feed event.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Subscription is a live change feed for one query. Events is closed
// when the feed drops; the consumer resubscribes and treats the fresh
// snapshot as authoritative. Stop must be called when the consumer is
// done, otherwise the feed side leaks the registration.
type Subscription struct {
	Snapshot []Document
	Events   <-chan Change
	Stop     func()
}

// DocumentStore is the write/read surface of the platform. Put merges
// the given fields into the document at path, creating it if absent.
// Delivery downstream is at-least-once; writes are last-write-wins per
// field.
type DocumentStore interface {
	Put(ctx context.Context, path string, fields map[string]any) error
	Get(ctx context.Context, path string) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	// BatchUpdate applies all updates atomically as a unit.
	BatchUpdate(ctx context.Context, updates []FieldUpdate) error
}

// ChangeFeed delivers an initial snapshot plus incremental updates for
// a query.
type ChangeFeed interface {
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

// PresenceStatus is the last known presence of a user.
type PresenceStatus struct {
	Online   bool
	LastSeen int64 // unix ms, meaningful only when Online is false
}

// PresenceStore tracks online flags with server-side expiry: a user with
// no beat within the TTL reads as offline even if the client never
// managed a graceful SetOffline.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string, ttl time.Duration) error
	Beat(ctx context.Context, userID string, ttl time.Duration) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	Status(ctx context.Context, userID string) (PresenceStatus, error)
}

// Backend is the full platform surface the daemon is wired against.
type Backend interface {
	DocumentStore
	ChangeFeed
	PresenceStore
}
