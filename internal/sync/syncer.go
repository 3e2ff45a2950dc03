package sync

import (
	"context"
	"log"
	"os"

	"github.com/traintrack/traintrack/internal/entity"
	"github.com/traintrack/traintrack/internal/remote"
	"github.com/traintrack/traintrack/internal/store"
)

// RemoteStore is the slice of the remote client the pipelines consume.
// *remote.Client satisfies it.
type RemoteStore interface {
	Upsert(ctx context.Context, table string, rec entity.RemoteRecord) (entity.RemoteRecord, error)
	Delete(ctx context.Context, table, id string) error
	Select(ctx context.Context, table string, f remote.Filter) ([]entity.RemoteRecord, error)
	SelectIDs(ctx context.Context, table, userID string) ([]string, error)
}

// syncer implements the Syncer interface.
type syncer struct {
	store  *store.DB
	remote RemoteStore
	logger *log.Logger
}

// New creates a Syncer over the given local store and remote client.
//
// The local store must have its schema initialized. If logger is nil, a
// default logger writing to stderr is used.
func New(db *store.DB, rs RemoteStore, logger *log.Logger) Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &syncer{
		store:  db,
		remote: rs,
		logger: logger,
	}
}

// Push implements Syncer.Push.
func (s *syncer) Push(ctx context.Context, userID string) (PushStats, error) {
	var stats PushStats

	for _, typ := range entity.PushOrder() {
		pending, err := s.store.PendingRecords(ctx, typ, userID)
		if err != nil {
			return stats, err
		}
		if len(pending) == 0 {
			continue
		}

		s.logger.Printf("Pushing %d pending %s row(s)", len(pending), typ)

		for i := range pending {
			if err := s.pushRecord(ctx, typ, &pending[i], &stats); err != nil {
				// Local store failures are fatal to the attempt; remote
				// rejections were already absorbed into the stats.
				return stats, err
			}
		}
	}

	s.logger.Printf("Push complete: uploaded=%d deleted=%d failed=%d",
		stats.Uploaded, stats.Deleted, stats.Failed)
	return stats, nil
}

// pushRecord uploads one pending row. A remote failure is logged and
// counted without returning an error; the row stays pending so the next
// sync retries it naturally. Only local store errors propagate.
func (s *syncer) pushRecord(ctx context.Context, typ *entity.Type, rec *entity.Record, stats *PushStats) error {
	if rec.Deleted {
		if err := s.remote.Delete(ctx, typ.Table, rec.ID); err != nil {
			s.logger.Printf("WARNING: failed to delete %s %s remotely: %v", typ, rec.ID, err)
			stats.Failed++
			return nil
		}
		// Remote deletion confirmed; the tombstone has served its purpose.
		if err := s.store.DeleteRecord(ctx, typ, rec.ID); err != nil {
			return err
		}
		stats.Deleted++
		return nil
	}

	if _, err := s.remote.Upsert(ctx, typ.Table, rec.Remote()); err != nil {
		s.logger.Printf("WARNING: failed to upload %s %s: %v", typ, rec.ID, err)
		stats.Failed++
		return nil
	}
	if err := s.store.MarkSynced(ctx, typ, rec.ID); err != nil {
		return err
	}
	stats.Uploaded++
	return nil
}
