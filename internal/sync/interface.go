package sync

import (
	"context"
	"time"
)

// PushStats summarizes one push pass.
type PushStats struct {
	// Uploaded counts rows successfully upserted remotely.
	Uploaded int
	// Deleted counts tombstones whose remote delete was confirmed.
	Deleted int
	// Failed counts rows the remote rejected; they stay pending and are
	// retried by the next sync.
	Failed int
}

// PullStats summarizes one pull pass.
type PullStats struct {
	// Applied counts remote rows the resolver accepted locally.
	Applied int
	// Kept counts remote rows skipped because a newer pending local edit
	// exists; the local edit wins on the next push.
	Kept int
	// Removed counts local rows deleted by deletion reconciliation.
	Removed int
	// Failed counts remote rows that could not be merged.
	Failed int
}

// Syncer runs the two reconciliation pipelines. Implementations are safe
// for use by a single sync task at a time; the orchestrator guarantees
// invocations never overlap.
type Syncer interface {
	// Push uploads locally pending changes for userID to the remote
	// store, walking entity types in dependency order.
	//
	// A failure on an individual record is recorded in the stats and the
	// pass continues; the returned error is non-nil only for stage-level
	// failures (local store errors, or the remote being unreachable for
	// a whole batch fetch), in which case the stats cover the work done
	// before the failure.
	Push(ctx context.Context, userID string) (PushStats, error)

	// Pull reconciles remote state into the local store: deletion
	// reconciliation first, then an incremental fetch of rows changed
	// after lastSyncAt (all rows when nil), merged through the conflict
	// resolver.
	//
	// The entire pass runs in one local transaction with deferred
	// foreign key checks; on error nothing is applied.
	Pull(ctx context.Context, userID string, lastSyncAt *time.Time) (PullStats, error)
}
