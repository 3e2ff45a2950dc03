package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncMeta is the single-row record tracking the last successful sync.
// LastSyncAt is nil before the first sync and after a forced full resync,
// which makes the pull pipeline treat every remote row as changed.
type SyncMeta struct {
	LastSyncAt *time.Time
	UserID     string
}

// LoadSyncMeta reads the sync metadata row. A store that has never synced
// returns the zero value rather than an error.
func (db *DB) LoadSyncMeta(ctx context.Context) (SyncMeta, error) {
	var meta SyncMeta
	var lastSync, userID sql.NullString

	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sync_at, user_id FROM sync_meta WHERE id = 1`).Scan(&lastSync, &userID)
	if err == sql.ErrNoRows {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("failed to load sync metadata: %w", err)
	}

	if lastSync.Valid {
		t, err := parseTime(lastSync.String)
		if err != nil {
			return meta, fmt.Errorf("failed to parse last_sync_at: %w", err)
		}
		meta.LastSyncAt = &t
	}
	meta.UserID = userID.String
	return meta, nil
}

// SaveSyncMeta writes the sync metadata row. Called by the orchestrator
// at the end of a fully successful sync cycle, and only then.
func (db *DB) SaveSyncMeta(ctx context.Context, meta SyncMeta) error {
	var lastSync sql.NullString
	if meta.LastSyncAt != nil {
		lastSync = sql.NullString{String: meta.LastSyncAt.UTC().Format(timeFormat), Valid: true}
	}

	query := `
	INSERT INTO sync_meta (id, last_sync_at, user_id) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_sync_at = excluded.last_sync_at,
		user_id = excluded.user_id`

	if _, err := db.conn.ExecContext(ctx, query, lastSync, meta.UserID); err != nil {
		return fmt.Errorf("failed to save sync metadata: %w", err)
	}
	return nil
}

// ResetSyncMeta nulls last_sync_at, forcing the next pull to treat every
// remote row as changed (first-login hydration and forced resyncs).
func (db *DB) ResetSyncMeta(ctx context.Context, userID string) error {
	return db.SaveSyncMeta(ctx, SyncMeta{UserID: userID})
}
