package sync

import "github.com/traintrack/traintrack/internal/entity"

// Resolve decides whether an incoming remote row overwrites the local
// row. Last-writer-wins at record granularity:
//
//   - no local row: accept (plain insert)
//   - local row without unsynced edits: accept unconditionally, the
//     local copy is stale by definition
//   - local row with a pending edit: accept only if the remote change is
//     strictly newer than the local edit; otherwise the local row stays
//     untouched and wins remotely on the next push
//
// Accepting remote discards the entire local row, not just conflicting
// fields.
func Resolve(local *entity.Record, rem entity.RemoteRecord) bool {
	if local == nil {
		return true
	}
	if !local.PendingSync {
		return true
	}
	return rem.UpdatedAt.After(local.ModifiedAt)
}
