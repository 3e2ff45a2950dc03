// Package sync implements the push and pull pipelines that reconcile the
// local embedded store with the remote authoritative store.
//
// Both pipelines walk the entity registry in dependency order so that a
// parent type is always processed to completion before its dependents:
// pushing a workout before its cycle exists remotely would be rejected by
// the remote foreign key, and the same holds locally on pull.
//
// Push walks locally pending rows per type: tombstones become remote
// deletes (then the local row is removed for good), everything else is
// upserted remotely and marked synced. Individual record failures are
// logged and counted but never abort the batch — a rejected write must
// not block sibling or independent records.
//
// Pull runs inside a single local transaction with foreign key checks
// deferred to commit. Per type it first reconciles deletions (a local
// synced row absent from the remote id set is deleted, cascading to
// children), then fetches rows changed since the last sync and merges
// them through the conflict resolver.
//
// Conflict resolution is last-writer-wins at whole-record granularity:
// an accepted remote row replaces the local row entirely, discarding any
// unsynced local edit whose timestamp it beats.
package sync
