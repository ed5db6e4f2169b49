// Package datastore defines the storage interfaces the sync pipeline writes
// through.
package datastore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vulnsentinel/vulnsync"
)

// MaxBatchSize is the largest slice PutRecords accepts.
const MaxBatchSize = 25

// Store is an interface exporting the methods for persisting and reading
// canonical records.
//
// Writes are upserts keyed on the record ID: the stored record is replaced
// wholesale.
type Store interface {
	// PutRecord upserts a single record.
	PutRecord(ctx context.Context, r *vulnsync.Record) error
	// PutRecords upserts up to MaxBatchSize records and returns the ones
	// that were not applied. A nil error with a non-empty return means the
	// caller may retry those records.
	PutRecords(ctx context.Context, rs []vulnsync.Record) ([]vulnsync.Record, error)
	// GetRecord returns the record with the given ID, or nil if there is
	// none.
	GetRecord(ctx context.Context, id string) (*vulnsync.Record, error)
}

// SyncStatus is the outcome of the latest run, kept for operators.
type SyncStatus struct {
	RunID     uuid.UUID
	Finished  time.Time
	Written   int
	Dropped   int
	LastError string
}

// StatusRecorder is implemented by stores that keep a sync status row.
type StatusRecorder interface {
	RecordSyncStatus(ctx context.Context, s *SyncStatus) error
	SyncStatus(ctx context.Context) (*SyncStatus, error)
}

// Locker is implemented by stores that can guard a run across processes.
//
// TryLock reports false if the named lock is held elsewhere. The returned
// function releases the lock.
type Locker interface {
	TryLock(ctx context.Context, name string) (bool, func(), error)
}
