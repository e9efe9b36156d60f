// Package sync pushes queued offline records to the remote system.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// SyncResult is the outcome of one pass.
type SyncResult = models.SyncResult

// ExecutorInterface defines the interface for sync pass execution.
// This interface allows for mocking in tests and alternative implementations.
type ExecutorInterface interface {
	// Run performs one sync pass over the unsynced records of type t.
	// Per-record failures are reported in the result, not as an error.
	Run(ctx context.Context, t models.SyncType) (*SyncResult, error)

	// AddEventHandler registers a handler for sync notifications.
	AddEventHandler(handler SyncEventHandler)

	// OnComplete registers fn to receive every finished pass.
	OnComplete(fn func(*SyncResult))

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end time of the last pass without failures.
	LastSync() *time.Time

	// LastResult returns the most recent pass result.
	LastResult() *SyncResult
}

// Submitter delivers one record to the remote system.
// A nil error means the remote confirmed receipt.
type Submitter interface {
	Submit(ctx context.Context, c models.Collection, rec *models.Record) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, c models.Collection, rec *models.Record) error

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, c models.Collection, rec *models.Record) error {
	return f(ctx, c, rec)
}

// RecordStore is the subset of the local store the executor writes through.
type RecordStore interface {
	Get(ctx context.Context, c models.Collection, id string) (*models.Record, bool, error)
	MarkSynced(ctx context.Context, c models.Collection, id string, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, c models.Collection, id string, message string) error
}
