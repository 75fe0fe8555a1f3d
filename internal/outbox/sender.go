// Package outbox drains queued outgoing messages into the backend. A
// send is queued locally first, rendered optimistically under its
// client-generated ID, then written upstream with a bounded retry
// budget. The server echo lands on the same ID, so the optimistic row
// converges instead of duplicating.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/attach"
	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/bus"
	"github.com/connexa/chatsync/internal/chat"
	"github.com/connexa/chatsync/internal/index"
	"github.com/connexa/chatsync/internal/media"
	"github.com/connexa/chatsync/internal/store"
	"github.com/connexa/chatsync/internal/typing"
)

// Uploader pushes a local attachment to the CDN before the message
// referencing it is written.
type Uploader interface {
	Upload(ctx context.Context, path string) (media.Asset, error)
}

// Sender drains the outbox into the backend document store.
type Sender struct {
	db       *store.DB
	docs     backend.DocumentStore
	ix       *index.Index
	uploader Uploader
	typing   *typing.Registry
	bus      *bus.Bus
	logger   *zap.Logger
	self     string

	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	pollEvery  time.Duration
	cancel     context.CancelFunc
}

// NewSender creates an outbox sender for the acting user behind the index.
func NewSender(db *store.DB, docs backend.DocumentStore, ix *index.Index, uploader Uploader, reg *typing.Registry, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:         db,
		docs:       docs,
		ix:         ix,
		uploader:   uploader,
		typing:     reg,
		bus:        b,
		logger:     logger,
		self:       ix.Self(),
		attempts:   4,
		backoff:    500 * time.Millisecond,
		maxBackoff: 4 * time.Second,
		pollEvery:  500 * time.Millisecond,
	}
}

// SetRetry overrides the per-entry retry budget.
func (s *Sender) SetRetry(attempts int, backoff, maxBackoff time.Duration) {
	if attempts > 0 {
		s.attempts = attempts
	}
	if backoff > 0 {
		s.backoff = backoff
	}
	if maxBackoff > 0 {
		s.maxBackoff = maxBackoff
	}
}

// SetPoll overrides the outbox polling interval.
func (s *Sender) SetPoll(d time.Duration) {
	if d > 0 {
		s.pollEvery = d
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Send queues an outgoing message and returns its client-generated ID.
// Queueing also clears the local typing flag: hitting send means the
// composer is empty.
func (s *Sender) Send(ctx context.Context, conversationID string, kind chat.Kind, payload chat.Payload, localFile string) (string, error) {
	if !chat.ValidKind(string(kind)) {
		return "", fmt.Errorf("invalid message kind %q", kind)
	}

	clientMsgID := uuid.NewString()
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	entry := &store.OutboxEntry{
		ClientMsgID:    clientMsgID,
		ConversationID: conversationID,
		Kind:           string(kind),
		Body:           payload.Text,
		Payload:        string(raw),
		LocalFile:      localFile,
	}
	if err := s.db.QueueOutbox(entry); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	if s.typing != nil {
		if err := s.typing.Clear(ctx, conversationID); err != nil {
			s.logger.Warn("typing clear on send failed", zap.Error(err))
		}
	}

	s.bus.Publish(bus.New("outbox.queued", map[string]string{
		"conversation_id": conversationID,
		"client_msg_id":   clientMsgID,
	}))
	return clientMsgID, nil
}

// Retry moves a failed entry back into the queue.
func (s *Sender) Retry(clientMsgID string) error {
	if err := s.db.RequeueOutbox(clientMsgID); err != nil {
		return err
	}
	s.bus.Publish(bus.New("outbox.requeued", clientMsgID))
	return nil
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains every queued entry once. Exposed so tests and
// shutdown flushes can run a pass without the ticker.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, entry)
	}
}

func (s *Sender) process(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	var payload chat.Payload
	if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
		s.fail(entry, fmt.Errorf("decode payload: %w", err))
		return
	}

	// Optimistic insert: the message shows up locally right away under
	// its client ID. The server echo merges onto the same ID.
	now := time.Now().UnixMilli()
	msg := chat.Message{
		ID:             entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		Sender:         s.self,
		Kind:           chat.Kind(entry.Kind),
		Payload:        payload,
		CreatedAt:      now,
	}
	s.ix.Messages(entry.ConversationID).Append(msg)
	_ = s.db.UpsertMessage(&store.Message{
		ConversationID: entry.ConversationID,
		MsgID:          entry.ClientMsgID,
		Sender:         s.self,
		Kind:           entry.Kind,
		Body:           payload.Text,
		Payload:        entry.Payload,
		CreatedAt:      now,
	})
	s.bus.Publish(bus.New("outbox.message_pending", map[string]string{
		"conversation_id": entry.ConversationID,
		"msg_id":          entry.ClientMsgID,
	}))

	if entry.LocalFile != "" {
		if s.uploader == nil {
			s.fail(entry, backend.NewError(backend.Upload, "no media endpoint configured"))
			return
		}
		var asset media.Asset
		err := s.withRetry(ctx, func() error {
			var uerr error
			asset, uerr = s.uploader.Upload(ctx, entry.LocalFile)
			return uerr
		})
		if err != nil {
			s.fail(entry, err)
			return
		}
		mergeAsset(&msg.Payload, asset)
		s.ix.Messages(entry.ConversationID).Append(msg)
	}

	if err := s.withRetry(ctx, func() error {
		return s.writeMessage(ctx, entry.ConversationID, msg)
	}); err != nil {
		s.fail(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("conversation_id", entry.ConversationID))
	s.bus.Publish(bus.New("outbox.send_ack", map[string]string{
		"conversation_id": entry.ConversationID,
		"client_msg_id":   entry.ClientMsgID,
	}))
}

// writeMessage lands the message document and bumps the conversation
// preview in the backend. CreatedAt is left to the server's clock.
func (s *Sender) writeMessage(ctx context.Context, conversationID string, m chat.Message) error {
	wire := m
	wire.CreatedAt = 0 // encode as the server timestamp sentinel
	path := "chats/" + conversationID + "/messages/" + m.ID
	if err := s.docs.Put(ctx, path, attach.EncodeMessage(wire)); err != nil {
		return err
	}
	return s.docs.Put(ctx, "chats/"+conversationID, map[string]any{
		chat.LastSummaryField: chat.Summarize(m),
		chat.LastUpdatedField: backend.ServerTimestamp,
	})
}

func (s *Sender) fail(entry store.OutboxEntry, err error) {
	s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
	s.bus.Publish(bus.New("outbox.send_failed", map[string]string{
		"conversation_id": entry.ConversationID,
		"client_msg_id":   entry.ClientMsgID,
		"error":           err.Error(),
	}))
}

// withRetry runs op under the bounded retry budget. Only retryable
// failures are retried; permission and validation errors surface
// immediately.
func (s *Sender) withRetry(ctx context.Context, op func() error) error {
	delay := s.backoff
	var err error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > s.maxBackoff {
				delay = s.maxBackoff
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if !backend.IsRetryable(err) {
			return err
		}
	}
	return err
}

func mergeAsset(p *chat.Payload, a media.Asset) {
	p.URL = a.URL
	if p.MIME == "" {
		p.MIME = a.MIME
	}
	if a.Bytes > 0 {
		p.Bytes = a.Bytes
	}
	if a.Width > 0 {
		p.Width = a.Width
		p.Height = a.Height
	}
	if a.DurationMs > 0 {
		p.DurationMs = a.DurationMs
	}
}
