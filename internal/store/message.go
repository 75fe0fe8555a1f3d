package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender, kind, body, payload, is_read, is_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			kind = excluded.kind,
			body = excluded.body,
			payload = excluded.payload,
			is_read = excluded.is_read,
			is_deleted = excluded.is_deleted,
			created_at = excluded.created_at`,
		m.ConversationID, m.MsgID, m.Sender, m.Kind, m.Body, m.Payload, m.Read, m.Deleted, m.CreatedAt)
	return err
}

// ListMessages returns messages for a conversation using keyset
// pagination by creation timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender, kind, body, payload, is_read, is_deleted, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.Sender, &m.Kind, &m.Body, &m.Payload, &m.Read, &m.Deleted, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessagesRead flips the read flag for the given message IDs.
func (db *DB) MarkMessagesRead(conversationID string, msgIDs []string) error {
	for _, id := range msgIDs {
		if _, err := db.Exec(`
			UPDATE messages SET is_read = 1
			WHERE conversation_id = ? AND msg_id = ?`, conversationID, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkMessageDeleted tombstones a message without removing the row, so
// it keeps its place in the timeline.
func (db *DB) MarkMessageDeleted(conversationID, msgID string) error {
	_, err := db.Exec(`
		UPDATE messages SET is_deleted = 1, body = '', payload = '{}'
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// DeleteMessage removes a message row entirely. Used when the server
// hard-removes a document from the feed.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}
