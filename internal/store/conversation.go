package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation row.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, peer, pair_key, last_message_summary, last_updated, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer = excluded.peer,
			last_message_summary = excluded.last_message_summary,
			last_updated = excluded.last_updated,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Peer, c.PairKey, c.LastMessageSummary, c.LastUpdated, c.UnreadCount, now)
	return err
}

// ListConversations returns cached conversations sorted by recency.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, peer, pair_key, last_message_summary, last_updated, unread_count
		FROM conversations
		ORDER BY last_updated DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Peer, &c.PairKey, &c.LastMessageSummary, &c.LastUpdated, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by ID, nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, peer, pair_key, last_message_summary, last_updated, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Peer, &c.PairKey, &c.LastMessageSummary, &c.LastUpdated, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConversation removes a conversation and its cached messages.
func (db *DB) DeleteConversation(id string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}
