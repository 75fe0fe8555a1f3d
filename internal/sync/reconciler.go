package sync

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/store"
)

// snapshotCheckpoint records when the last authoritative conversation
// snapshot landed, as unix milliseconds.
const snapshotCheckpoint = "chats.last_snapshot"

// Reconciler tracks sync checkpoints in the cache so a restarted engine
// knows whether the local mirror is a warm resume or a cold start.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewReconciler creates a reconciler over the cache.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger, clock: time.Now}
}

// UpdateCheckpoint upserts a checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, r.clock().UnixMilli())
	return err
}

// GetCheckpoint retrieves a checkpoint value. A checkpoint that was
// never written reads as empty, not as an error.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// MarkSnapshot stamps the snapshot checkpoint with the current time.
func (r *Reconciler) MarkSnapshot() {
	ms := strconv.FormatInt(r.clock().UnixMilli(), 10)
	if err := r.UpdateCheckpoint(snapshotCheckpoint, ms); err != nil {
		r.logger.Error("update snapshot checkpoint", zap.Error(err))
	}
}

// LastSnapshot reports when the last authoritative snapshot was applied.
// The second return is false when no snapshot has ever landed.
func (r *Reconciler) LastSnapshot() (time.Time, bool) {
	value, err := r.GetCheckpoint(snapshotCheckpoint)
	if err != nil {
		r.logger.Error("read snapshot checkpoint", zap.Error(err))
		return time.Time{}, false
	}
	if value == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
