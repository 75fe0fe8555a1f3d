package store

import "errors"

// ErrSearchUnavailable is returned when the linked SQLite lacks the
// fts5 module (build without the sqlite_fts5 tag). The rest of the
// cache works normally.
var ErrSearchUnavailable = errors.New("message search unavailable: sqlite built without fts5")

// SearchAvailable reports whether the full-text index is live.
func (db *DB) SearchAvailable() bool { return db.search }

// EnsureSearchIndex creates the fts5 index and its sync triggers when
// the linked SQLite supports them. The index lives outside the
// versioned migrations so a build without fts5 still boots; search
// then degrades to ErrSearchUnavailable instead of failing migration.
func (db *DB) EnsureSearchIndex() error {
	var n int
	err := db.QueryRow(`SELECT count(*) FROM pragma_compile_options WHERE compile_options = 'ENABLE_FTS5'`).Scan(&n)
	if err != nil || n == 0 {
		return err
	}

	var existed int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'messages_fts'`).Scan(&existed); err != nil {
		return err
	}

	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			body,
			content='messages',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, body) VALUES (new.id, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.id, old.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.id, old.body);
			INSERT INTO messages_fts(rowid, body) VALUES (new.id, new.body);
		END`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if existed == 0 {
		// Pick up rows written before the index existed.
		if _, err := db.Exec(`INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`); err != nil {
			return err
		}
	}
	db.search = true
	return nil
}

// SearchMessages performs a full-text search on message bodies.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if !db.search {
		return nil, ErrSearchUnavailable
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.msg_id, m.sender, m.kind, m.body,
		       m.payload, m.is_read, m.is_deleted, m.created_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ? AND m.is_deleted = 0`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.MsgID,
			&r.Message.Sender, &r.Message.Kind, &r.Message.Body,
			&r.Message.Payload, &r.Message.Read, &r.Message.Deleted,
			&r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
