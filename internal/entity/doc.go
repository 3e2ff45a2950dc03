// Package entity defines the syncable record shape and the entity-type
// dependency graph for the traintrack sync core.
//
// Every entity type (cycles, workouts, exercises, ...) shares one record
// shape: a stable id, a user scope, a JSON bag of domain fields, and the
// sync bookkeeping flags (pending_sync, deleted). Entity types form a DAG
// by foreign key; the Types registry lists them in topological order so
// the push and pull pipelines can iterate generically instead of carrying
// hand-written per-type blocks. Adding a new entity type is a data change
// here, not a code change in the pipelines.
package entity
