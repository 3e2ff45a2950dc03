package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the local representation of a syncable row.
//
// Domain fields (weights, reps, notes, ...) are carried as an opaque JSON
// object in Fields; the sync core never interprets them beyond the parent
// foreign key named by the record's Type. The bookkeeping columns are what
// the pipelines operate on:
//
//   - PendingSync: the row has a local change that has not reached the
//     remote store yet.
//   - Deleted: the row is a local tombstone awaiting remote deletion. The
//     row is retained until push confirms the remote delete, then removed.
type Record struct {
	ID          string
	UserID      string
	Fields      map[string]any
	CreatedAt   time.Time
	ModifiedAt  time.Time
	PendingSync bool
	Deleted     bool
}

// RemoteRecord is a row as the remote authoritative store sees it.
// The server assigns UpdatedAt; there is no pending flag and no tombstone,
// deletion is represented by absence from the remote id set.
type RemoteRecord struct {
	ID        string
	UserID    string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reserved column names that live outside the Fields bag on the wire.
const (
	colID        = "id"
	colUserID    = "user_id"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
)

// New creates a locally-authored record with a fresh UUID, current
// timestamps, and the pending flag set so the next push uploads it.
func New(userID string, fields map[string]any) Record {
	now := time.Now().UTC()
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fields:      fields,
		CreatedAt:   now,
		ModifiedAt:  now,
		PendingSync: true,
	}
}

// Validate checks the record carries the fields every syncable row needs.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.ModifiedAt.IsZero() {
		return fmt.Errorf("modified_at is required")
	}
	return nil
}

// Touch marks the record as locally modified: modified_at is re-stamped
// and the pending flag is set so the change is picked up by the next push.
func (r *Record) Touch() {
	r.ModifiedAt = time.Now().UTC()
	r.PendingSync = true
}

// MarkDeleted turns the record into a local tombstone. The row stays in
// the local store until push confirms the remote deletion.
func (r *Record) MarkDeleted() {
	r.Deleted = true
	r.Touch()
}

// Remote converts a local record to its wire shape for upload.
// UpdatedAt is stamped fresh; the server may overwrite it on write.
func (r *Record) Remote() RemoteRecord {
	return RemoteRecord{
		ID:        r.ID,
		UserID:    r.UserID,
		Fields:    r.Fields,
		CreatedAt: r.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// FromRemote converts a fetched remote row to its local shape. The local
// modified_at mirrors the server updated_at so later conflict comparisons
// are against the timestamp the remote actually assigned, and the row is
// not pending: it is by definition in sync at the moment it lands.
func FromRemote(rem RemoteRecord) Record {
	fields := rem.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{
		ID:         rem.ID,
		UserID:     rem.UserID,
		Fields:     fields,
		CreatedAt:  rem.CreatedAt,
		ModifiedAt: rem.UpdatedAt,
	}
}

// MarshalJSON flattens the record into a single JSON object: the domain
// fields plus the reserved id/user_id/timestamp columns, which is the row
// shape the remote CRUD API speaks.
func (r RemoteRecord) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		m[k] = v
	}
	m[colID] = r.ID
	m[colUserID] = r.UserID
	m[colCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	m[colUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON: reserved columns are peeled
// off and everything else lands in Fields.
func (r *RemoteRecord) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	id, ok := m[colID].(string)
	if !ok || id == "" {
		return fmt.Errorf("remote record missing id")
	}
	r.ID = id
	delete(m, colID)

	if userID, ok := m[colUserID].(string); ok {
		r.UserID = userID
	}
	delete(m, colUserID)

	var err error
	if r.CreatedAt, err = popTime(m, colCreatedAt); err != nil {
		return err
	}
	if r.UpdatedAt, err = popTime(m, colUpdatedAt); err != nil {
		return err
	}

	r.Fields = m
	return nil
}

// popTime removes a timestamp column from the map, tolerating absence
// (zero time) but not malformed values.
func popTime(m map[string]any, key string) (time.Time, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return time.Time{}, nil
	}
	delete(m, key)

	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%s is not a timestamp string", key)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Some backends emit second precision without a zone offset digit
		// group; fall back to plain RFC3339.
		if t, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return t, nil
}
