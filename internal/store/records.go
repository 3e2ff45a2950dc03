package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/traintrack/traintrack/internal/entity"
)

// timeFormat preserves sub-second precision so a pull that rewrites a row
// with the same remote timestamps leaves the stored bytes unchanged.
const timeFormat = time.RFC3339Nano

// UpsertRecord inserts or replaces a record in the table for its type.
// created_at is kept from the first insert; everything else is replaced.
func (db *DB) UpsertRecord(ctx context.Context, t *entity.Type, rec entity.Record) error {
	return upsertRecord(ctx, db.conn, t, rec)
}

// UpsertRecord inserts or replaces a record inside the transaction.
func (tx *Tx) UpsertRecord(ctx context.Context, t *entity.Type, rec entity.Record) error {
	return upsertRecord(ctx, tx.tx, t, rec)
}

func upsertRecord(ctx context.Context, q querier, t *entity.Type, rec entity.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s record: %w", t, err)
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal %s fields: %w", t, err)
	}

	cols := "id, user_id, fields, created_at, modified_at, pending_sync, deleted"
	vals := "?, ?, ?, ?, ?, ?, ?"
	args := []any{
		rec.ID,
		rec.UserID,
		string(fieldsJSON),
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.ModifiedAt.UTC().Format(timeFormat),
		boolInt(rec.PendingSync),
		boolInt(rec.Deleted),
	}
	updates := `user_id = excluded.user_id,
		fields = excluded.fields,
		modified_at = excluded.modified_at,
		pending_sync = excluded.pending_sync,
		deleted = excluded.deleted`

	// The parent reference is mirrored from the fields bag into a real
	// column so SQLite enforces the dependency graph.
	if t.Parent != nil {
		cols += ", " + t.ParentKey
		vals += ", ?"
		var parent any
		if id, ok := t.ParentID(&rec); ok {
			parent = id
		}
		args = append(args, parent)
		updates += fmt.Sprintf(",\n\t\t%s = excluded.%s", t.ParentKey, t.ParentKey)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (%s) VALUES (%s)
	ON CONFLICT(id) DO UPDATE SET %s`, t.Table, cols, vals, updates)

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", t, rec.ID, err)
	}
	return nil
}

// GetRecord retrieves a single record by id.
// Returns (nil, nil) when no row exists.
func (db *DB) GetRecord(ctx context.Context, t *entity.Type, id string) (*entity.Record, error) {
	return getRecord(ctx, db.conn, t, id)
}

// GetRecord retrieves a single record by id inside the transaction.
func (tx *Tx) GetRecord(ctx context.Context, t *entity.Type, id string) (*entity.Record, error) {
	return getRecord(ctx, tx.tx, t, id)
}

func getRecord(ctx context.Context, q querier, t *entity.Type, id string) (*entity.Record, error) {
	query := fmt.Sprintf(`
	SELECT id, user_id, fields, created_at, modified_at, pending_sync, deleted
	FROM %s WHERE id = ?`, t.Table)

	rec, err := scanRecord(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", t, id, err)
	}
	return rec, nil
}

// PendingRecords returns every row with an unsynced local change for the
// given type and user, oldest first so parents created before children
// upload first within a type.
func (db *DB) PendingRecords(ctx context.Context, t *entity.Type, userID string) ([]entity.Record, error) {
	query := fmt.Sprintf(`
	SELECT id, user_id, fields, created_at, modified_at, pending_sync, deleted
	FROM %s
	WHERE user_id = ? AND pending_sync = 1
	ORDER BY created_at ASC`, t.Table)

	rows, err := db.conn.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending %s rows: %w", t, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MarkSynced clears the pending flag after a successful upload.
func (db *DB) MarkSynced(ctx context.Context, t *entity.Type, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET pending_sync = 0 WHERE id = ?`, t.Table)
	if _, err := db.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", t, id, err)
	}
	return nil
}

// DeleteRecord removes a row entirely. Child rows referencing it are
// removed by the cascade. Idempotent: deleting an absent row is not an
// error.
func (db *DB) DeleteRecord(ctx context.Context, t *entity.Type, id string) error {
	return deleteRecord(ctx, db.conn, t, id)
}

// DeleteRecord removes a row inside the transaction.
func (tx *Tx) DeleteRecord(ctx context.Context, t *entity.Type, id string) error {
	return deleteRecord(ctx, tx.tx, t, id)
}

func deleteRecord(ctx context.Context, q querier, t *entity.Type, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.Table)
	if _, err := q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, id, err)
	}
	return nil
}

// SyncedIDs returns the ids of rows that are NOT mid-upload
// (pending_sync = 0) for the given type and user. These are the rows
// deletion reconciliation may remove when the remote no longer has them.
func (db *DB) SyncedIDs(ctx context.Context, t *entity.Type, userID string) ([]string, error) {
	return syncedIDs(ctx, db.conn, t, userID)
}

// SyncedIDs returns the non-pending ids inside the transaction.
func (tx *Tx) SyncedIDs(ctx context.Context, t *entity.Type, userID string) ([]string, error) {
	return syncedIDs(ctx, tx.tx, t, userID)
}

func syncedIDs(ctx context.Context, q querier, t *entity.Type, userID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE user_id = ? AND pending_sync = 0`, t.Table)

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query synced %s ids: %w", t, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s id: %w", t, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s ids: %w", t, err)
	}
	return ids, nil
}

// CountPending returns the number of rows awaiting upload for one type.
func (db *DB) CountPending(ctx context.Context, t *entity.Type, userID string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = ? AND pending_sync = 1`, t.Table)

	var count int
	if err := db.conn.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending %s rows: %w", t, err)
	}
	return count, nil
}

// CountRecords returns the total number of rows for one type and user.
func (db *DB) CountRecords(ctx context.Context, t *entity.Type, userID string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = ?`, t.Table)

	var count int
	if err := db.conn.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s rows: %w", t, err)
	}
	return count, nil
}

// scanTarget is satisfied by both *sql.Row and *sql.Rows.
type scanTarget interface {
	Scan(dest ...any) error
}

func scanRecord(row scanTarget) (*entity.Record, error) {
	var rec entity.Record
	var fieldsJSON, createdAt, modifiedAt string
	var pending, deleted int

	err := row.Scan(&rec.ID, &rec.UserID, &fieldsJSON, &createdAt, &modifiedAt, &pending, &deleted)
	if err != nil {
		return nil, err
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, fmt.Errorf("failed to parse modified_at: %w", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}

	rec.PendingSync = pending != 0
	rec.Deleted = deleted != 0
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]entity.Record, error) {
	var recs []entity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
