// Package memory is an in-process backend implementation. It backs the
// embedded mode and the dev server, and doubles as the fixture for
// tests that need a live change feed without a network.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/connexa/chatsync/internal/backend"
)

// Backend holds documents, feed subscribers and presence entries behind
// one mutex. Delivery to subscribers is non-blocking: a full buffer
// drops the event, and the consumer recovers from the next snapshot.
type Backend struct {
	mu       sync.RWMutex
	docs     map[string]map[string]any
	subs     map[int]*feedSub
	nextSub  int
	presence map[string]*presenceEntry

	// now is the clock; swapped in tests.
	now func() time.Time
}

type feedSub struct {
	query backend.Query
	ch    chan backend.Change
}

type presenceEntry struct {
	online   bool
	expires  time.Time
	lastSeen int64
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		docs:     make(map[string]map[string]any),
		subs:     make(map[int]*feedSub),
		presence: make(map[string]*presenceEntry),
		now:      time.Now,
	}
}

// SetClock overrides the backend clock. Test use only.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Put merges fields into the document at path, creating it if absent.
// ServerTimestamp sentinels resolve to the backend clock.
func (b *Backend) Put(_ context.Context, path string, fields map[string]any) error {
	b.mu.Lock()
	existing, found := b.docs[path]
	if !found {
		existing = make(map[string]any)
		b.docs[path] = existing
	}
	nowMs := b.now().UnixMilli()
	for k, v := range fields {
		if backend.IsServerTimestamp(v) {
			v = nowMs
		}
		existing[k] = v
	}
	kind := backend.Modified
	if !found {
		kind = backend.Added
	}
	doc := backend.Document{Path: path, Fields: copyFields(existing)}
	b.notifyLocked(backend.Change{Kind: kind, Doc: doc})
	b.mu.Unlock()
	return nil
}

// Get returns the document at path or a NotFound error.
func (b *Backend) Get(_ context.Context, path string) (backend.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fields, ok := b.docs[path]
	if !ok {
		return backend.Document{}, backend.NewError(backend.NotFound, path)
	}
	return backend.Document{Path: path, Fields: copyFields(fields)}, nil
}

// Query returns documents matching q, ordered ascending by q.OrderBy.
func (b *Backend) Query(_ context.Context, q backend.Query) ([]backend.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queryLocked(q), nil
}

// BatchUpdate applies all single-field updates as one unit.
func (b *Backend) BatchUpdate(_ context.Context, updates []backend.FieldUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	nowMs := b.now().UnixMilli()
	touched := make(map[string]bool)
	for _, u := range updates {
		fields, ok := b.docs[u.Path]
		if !ok {
			return backend.NewError(backend.NotFound, fmt.Sprintf("batch update: %s", u.Path))
		}
		v := u.Value
		if backend.IsServerTimestamp(v) {
			v = nowMs
		}
		fields[u.Field] = v
		touched[u.Path] = true
	}
	for path := range touched {
		b.notifyLocked(backend.Change{
			Kind: backend.Modified,
			Doc:  backend.Document{Path: path, Fields: copyFields(b.docs[path])},
		})
	}
	return nil
}

// Delete removes a document and emits a Removed event. Not part of the
// client-facing contract; the dev server uses it for cleanup.
func (b *Backend) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.docs[path]
	if !ok {
		return nil
	}
	doc := backend.Document{Path: path, Fields: copyFields(fields)}
	delete(b.docs, path)
	b.notifyLocked(backend.Change{Kind: backend.Removed, Doc: doc})
	return nil
}

// Subscribe registers a feed subscriber and returns the current snapshot.
func (b *Backend) Subscribe(_ context.Context, q backend.Query) (*backend.Subscription, error) {
	b.mu.Lock()
	snapshot := b.queryLocked(q)
	ch := make(chan backend.Change, 256)
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &feedSub{query: q, ch: ch}
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return &backend.Subscription{Snapshot: snapshot, Events: ch, Stop: stop}, nil
}

// DropFeeds closes every subscriber channel without unregistering the
// queries, simulating a feed interruption. Consumers must resubscribe.
func (b *Backend) DropFeeds() {
	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// SetOnline marks the user online until ttl elapses without a beat.
func (b *Backend) SetOnline(_ context.Context, userID string, ttl time.Duration) error {
	b.mu.Lock()
	b.presence[userID] = &presenceEntry{online: true, expires: b.now().Add(ttl)}
	b.mu.Unlock()
	return nil
}

// Beat extends the user's online window.
func (b *Backend) Beat(_ context.Context, userID string, ttl time.Duration) error {
	b.mu.Lock()
	if e, ok := b.presence[userID]; ok && e.online {
		e.expires = b.now().Add(ttl)
	} else {
		b.presence[userID] = &presenceEntry{online: true, expires: b.now().Add(ttl)}
	}
	b.mu.Unlock()
	return nil
}

// SetOffline records a graceful session end.
func (b *Backend) SetOffline(_ context.Context, userID string, lastSeen time.Time) error {
	b.mu.Lock()
	b.presence[userID] = &presenceEntry{online: false, lastSeen: lastSeen.UnixMilli()}
	b.mu.Unlock()
	return nil
}

// Status reads presence, treating an expired beat as offline.
func (b *Backend) Status(_ context.Context, userID string) (backend.PresenceStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.presence[userID]
	if !ok {
		return backend.PresenceStatus{}, nil
	}
	if e.online && b.now().After(e.expires) {
		// Beat expired: the process died without SetOffline.
		return backend.PresenceStatus{Online: false, LastSeen: e.expires.UnixMilli()}, nil
	}
	return backend.PresenceStatus{Online: e.online, LastSeen: e.lastSeen}, nil
}

func (b *Backend) queryLocked(q backend.Query) []backend.Document {
	var out []backend.Document
	prefix := q.Collection + "/"
	for path, fields := range b.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		if !matches(q, fields) {
			continue
		}
		out = append(out, backend.Document{Path: path, Fields: copyFields(fields)})
	}
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			return less(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	}
	return out
}

func (b *Backend) notifyLocked(change backend.Change) {
	for _, sub := range b.subs {
		if !docInQuery(sub.query, change.Doc) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

func docInQuery(q backend.Query, doc backend.Document) bool {
	prefix := q.Collection + "/"
	if !strings.HasPrefix(doc.Path, prefix) || strings.Contains(doc.Path[len(prefix):], "/") {
		return false
	}
	return matches(q, doc.Fields)
}

func matches(q backend.Query, fields map[string]any) bool {
	for k, want := range q.Equals {
		if fields[k] != want {
			return false
		}
	}
	return true
}

func less(a, b any) bool {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		return av < bv
	case float64:
		bv, _ := b.(float64)
		return av < bv
	case string:
		bv, _ := b.(string)
		return av < bv
	}
	return false
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
