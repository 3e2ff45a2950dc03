package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/traintrack/traintrack/internal/entity"
	"github.com/traintrack/traintrack/internal/remote"
)

// pullBatch is the remote state fetched for one entity type before the
// local transaction opens. Fetching everything up front keeps the write
// transaction free of network suspension points.
type pullBatch struct {
	typ       *entity.Type
	remoteIDs map[string]bool
	changed   []entity.RemoteRecord
}

// Pull implements Syncer.Pull.
func (s *syncer) Pull(ctx context.Context, userID string, lastSyncAt *time.Time) (PullStats, error) {
	var stats PullStats

	batches, err := s.fetchRemoteState(ctx, userID, lastSyncAt)
	if err != nil {
		return stats, err
	}

	// One transaction for the whole pass: deletion reconciliation and
	// fixed-order upserts may transiently violate referential integrity,
	// so foreign key checks are deferred to commit. Rollback on any exit
	// path leaves enforcement intact.
	tx, err := s.store.BeginDeferred(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	for _, batch := range batches {
		// Deletion reconciliation: a synced local row the remote no
		// longer has was deleted on another device. Remove it; the
		// cascade takes dependent children with it. Pending rows are
		// exempt — they are mid-upload, not deleted.
		localIDs, err := tx.SyncedIDs(ctx, batch.typ, userID)
		if err != nil {
			return stats, err
		}
		for _, id := range localIDs {
			if batch.remoteIDs[id] {
				continue
			}
			if err := tx.DeleteRecord(ctx, batch.typ, id); err != nil {
				return stats, err
			}
			s.logger.Printf("Removed %s %s (absent remotely)", batch.typ, id)
			stats.Removed++
		}

		// Merge incoming rows through the conflict resolver.
		for _, rem := range batch.changed {
			local, err := tx.GetRecord(ctx, batch.typ, rem.ID)
			if err != nil {
				return stats, err
			}
			if !Resolve(local, rem) {
				stats.Kept++
				continue
			}
			if err := tx.UpsertRecord(ctx, batch.typ, entity.FromRemote(rem)); err != nil {
				s.logger.Printf("WARNING: failed to merge %s %s: %v", batch.typ, rem.ID, err)
				stats.Failed++
				continue
			}
			stats.Applied++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit pull: %w", err)
	}

	s.logger.Printf("Pull complete: applied=%d kept=%d removed=%d failed=%d",
		stats.Applied, stats.Kept, stats.Removed, stats.Failed)
	return stats, nil
}

// fetchRemoteState downloads, per entity type in pull order, the full id
// set (for deletion reconciliation) and the rows changed since
// lastSyncAt (all rows when nil). Any fetch failure aborts the pull
// before anything touches the local store.
func (s *syncer) fetchRemoteState(ctx context.Context, userID string, lastSyncAt *time.Time) ([]pullBatch, error) {
	var batches []pullBatch

	for _, typ := range entity.PullOrder() {
		ids, err := s.remote.SelectIDs(ctx, typ.Table, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch remote %s ids: %w", typ, err)
		}
		idSet := make(map[string]bool, len(ids))
		for _, id := range ids {
			idSet[id] = true
		}

		changed, err := s.remote.Select(ctx, typ.Table, remote.Filter{
			UserID:       userID,
			UpdatedAfter: lastSyncAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch changed %s rows: %w", typ, err)
		}

		batches = append(batches, pullBatch{
			typ:       typ,
			remoteIDs: idSet,
			changed:   changed,
		})
	}
	return batches, nil
}
