// Package store is the local SQLite cache behind a session. It holds
// the synced conversation and message mirror, the send outbox and sync
// checkpoints, so a restart renders instantly from disk.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// cache.db is touched by the sync engine, the outbox poller and the
// query surface at once; WAL plus a busy timeout keeps writers from
// tripping over each other.
var pragmas = []string{
	"_journal_mode=WAL",
	"_busy_timeout=5000",
	"_foreign_keys=on",
}

// DB wraps the SQLite connection for the session-owned cache.db.
type DB struct {
	*sql.DB
	search bool
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?"+strings.Join(pragmas, "&"))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	return &DB{DB: db}, nil
}
