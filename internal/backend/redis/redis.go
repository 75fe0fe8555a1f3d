// Package redis implements the backend contracts against a Redis
// server: documents as hashes, collection membership as sets, the
// change feed over pub/sub, and presence as TTL'd beat keys so a killed
// client reads offline without a graceful goodbye.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
)

const (
	docKeyPrefix      = "cx:doc:"
	colKeyPrefix      = "cx:col:"
	feedChannelPrefix = "cx:feed:"
	beatKeyPrefix     = "cx:beat:"
	presenceKeyPrefix = "cx:presence:"
)

// Backend is a Redis-backed implementation of backend.Backend.
type Backend struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

// New connects to addr and verifies the connection.
func New(ctx context.Context, addr string, logger *zap.Logger) (*Backend, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, backend.WrapError(backend.Transient, "ping redis", err)
	}
	return &Backend{rdb: rdb, logger: logger}, nil
}

// Close releases the client connection pool.
func (b *Backend) Close() error { return b.rdb.Close() }

func docKey(path string) string  { return docKeyPrefix + path }
func colKey(col string) string   { return colKeyPrefix + col }
func feedChannel(col string) string { return feedChannelPrefix + col }

func collectionOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// serverNow reads the server clock so timestamps are assigned by the
// store, not by whichever client happened to write.
func (b *Backend) serverNow(ctx context.Context) (int64, error) {
	t, err := b.rdb.Time(ctx).Result()
	if err != nil {
		return 0, backend.WrapError(backend.Transient, "redis TIME", err)
	}
	return t.UnixMilli(), nil
}

// Put merges fields into the document hash and publishes the change.
func (b *Backend) Put(ctx context.Context, path string, fields map[string]any) error {
	nowMs, err := b.serverNow(ctx)
	if err != nil {
		return err
	}

	existed, err := b.rdb.Exists(ctx, docKey(path)).Result()
	if err != nil {
		return backend.WrapError(backend.Transient, "exists "+path, err)
	}

	encoded := make(map[string]string, len(fields))
	for k, v := range fields {
		if backend.IsServerTimestamp(v) {
			v = nowMs
		}
		s, err := encodeValue(v)
		if err != nil {
			return backend.WrapError(backend.Malformed, "put "+path, err)
		}
		encoded[k] = s
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, docKey(path), encoded)
	pipe.SAdd(ctx, colKey(collectionOf(path)), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return backend.WrapError(backend.Transient, "put "+path, err)
	}

	kind := backend.Modified
	if existed == 0 {
		kind = backend.Added
	}
	return b.publish(ctx, kind, path)
}

// Get returns the document at path or a NotFound error.
func (b *Backend) Get(ctx context.Context, path string) (backend.Document, error) {
	raw, err := b.rdb.HGetAll(ctx, docKey(path)).Result()
	if err != nil {
		return backend.Document{}, backend.WrapError(backend.Transient, "get "+path, err)
	}
	if len(raw) == 0 {
		return backend.Document{}, backend.NewError(backend.NotFound, path)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return backend.Document{}, backend.WrapError(backend.Malformed, "get "+path, err)
	}
	return backend.Document{Path: path, Fields: fields}, nil
}

// Query loads the collection's member documents and filters locally.
// Collections here are conversation-sized, so the fan-out read is fine.
func (b *Backend) Query(ctx context.Context, q backend.Query) ([]backend.Document, error) {
	paths, err := b.rdb.SMembers(ctx, colKey(q.Collection)).Result()
	if err != nil {
		return nil, backend.WrapError(backend.Transient, "query "+q.Collection, err)
	}

	var out []backend.Document
	for _, path := range paths {
		doc, err := b.Get(ctx, path)
		if backend.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matches(q, doc.Fields) {
			out = append(out, doc)
		}
	}
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			return less(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	}
	return out, nil
}

// BatchUpdate applies all single-field updates in one MULTI/EXEC unit.
func (b *Backend) BatchUpdate(ctx context.Context, updates []backend.FieldUpdate) error {
	nowMs, err := b.serverNow(ctx)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	touched := make(map[string]bool)
	for _, u := range updates {
		v := u.Value
		if backend.IsServerTimestamp(v) {
			v = nowMs
		}
		s, err := encodeValue(v)
		if err != nil {
			return backend.WrapError(backend.Malformed, "batch update "+u.Path, err)
		}
		pipe.HSet(ctx, docKey(u.Path), u.Field, s)
		touched[u.Path] = true
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return backend.WrapError(backend.Transient, "batch update", err)
	}

	for path := range touched {
		if err := b.publish(ctx, backend.Modified, path); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) publish(ctx context.Context, kind backend.ChangeKind, path string) error {
	doc, err := b.Get(ctx, path)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(changeMessage{Kind: int(kind), Path: path, Fields: doc.Fields})
	if err != nil {
		return backend.WrapError(backend.Malformed, "publish "+path, err)
	}
	if err := b.rdb.Publish(ctx, feedChannel(collectionOf(path)), payload).Err(); err != nil {
		return backend.WrapError(backend.Transient, "publish "+path, err)
	}
	return nil
}

// Subscribe opens a pub/sub feed for the query's collection. The events
// channel closes when the pub/sub connection drops; the consumer
// resubscribes and takes the fresh snapshot as authoritative.
func (b *Backend) Subscribe(ctx context.Context, q backend.Query) (*backend.Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, feedChannel(q.Collection))
	// Force the subscription onto the wire before snapshotting, so no
	// change between snapshot and subscribe is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, backend.WrapError(backend.SubscriptionDropped, "subscribe "+q.Collection, err)
	}

	snapshot, err := b.Query(ctx, q)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ch := make(chan backend.Change, 256)
	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			cm, err := decodeChangeMessage([]byte(msg.Payload))
			if err != nil {
				if b.logger != nil {
					b.logger.Warn("bad feed payload", zap.Error(err))
				}
				continue
			}
			if !matches(q, cm.Fields) {
				continue
			}
			select {
			case ch <- backend.Change{Kind: backend.ChangeKind(cm.Kind), Doc: backend.Document{Path: cm.Path, Fields: cm.Fields}}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &backend.Subscription{
		Snapshot: snapshot,
		Events:   ch,
		Stop:     func() { _ = pubsub.Close() },
	}, nil
}

// SetOnline writes the presence hash and plants the beat key.
func (b *Backend) SetOnline(ctx context.Context, userID string, ttl time.Duration) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, presenceKeyPrefix+userID, "online", "1")
	pipe.Set(ctx, beatKeyPrefix+userID, "1", ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return backend.WrapError(backend.Transient, "set online "+userID, err)
	}
	return nil
}

// Beat refreshes the TTL'd liveness key.
func (b *Backend) Beat(ctx context.Context, userID string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, beatKeyPrefix+userID, "1", ttl).Err(); err != nil {
		return backend.WrapError(backend.Transient, "beat "+userID, err)
	}
	return nil
}

// SetOffline clears the beat and records last-seen.
func (b *Backend) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, beatKeyPrefix+userID)
	pipe.HSet(ctx, presenceKeyPrefix+userID, "online", "0", "lastSeen", fmt.Sprintf("%d", lastSeen.UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return backend.WrapError(backend.Transient, "set offline "+userID, err)
	}
	return nil
}

// Status reads presence; a live beat key means online regardless of the
// hash, so crashed clients age out with the key.
func (b *Backend) Status(ctx context.Context, userID string) (backend.PresenceStatus, error) {
	alive, err := b.rdb.Exists(ctx, beatKeyPrefix+userID).Result()
	if err != nil {
		return backend.PresenceStatus{}, backend.WrapError(backend.Transient, "status "+userID, err)
	}
	if alive > 0 {
		return backend.PresenceStatus{Online: true}, nil
	}
	raw, err := b.rdb.HGet(ctx, presenceKeyPrefix+userID, "lastSeen").Result()
	if err == goredis.Nil {
		return backend.PresenceStatus{}, nil
	}
	if err != nil {
		return backend.PresenceStatus{}, backend.WrapError(backend.Transient, "status "+userID, err)
	}
	var lastSeen int64
	_, _ = fmt.Sscanf(raw, "%d", &lastSeen)
	return backend.PresenceStatus{Online: false, LastSeen: lastSeen}, nil
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
