package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/sync/bookkeeping"
)

// Source lists the unsynced records a pass should push.
type Source interface {
	Unsynced(ctx context.Context, t models.SyncType) ([]bookkeeping.Item, error)
}

// ExecutorConfig holds executor configuration.
type ExecutorConfig struct {
	Concurrency   int           // parallel submissions (default: 4)
	RatePerSecond float64       // submission rate limit, 0 = unlimited
	SubmitTimeout time.Duration // per-record submission timeout (default: 15s)
}

// DefaultExecutorConfig returns default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		Concurrency:   4,
		SubmitTimeout: 15 * time.Second,
	}
}

// Executor runs sync passes. Each unsynced record is submitted once and
// flipped to synced only after the remote confirmed it.
type Executor struct {
	source  Source
	store   RecordStore
	remote  Submitter
	limiter *rate.Limiter

	concurrency   int
	submitTimeout time.Duration

	// collection/id of records currently being submitted
	claims gosync.Map

	events  emitter
	running atomic.Int32

	mu         gosync.RWMutex
	lastSync   *time.Time
	lastResult *SyncResult
	lastErr    error
	errHistory []SyncErrorEntry

	now func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(source Source, store RecordStore, remote Submitter, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	e := &Executor{
		source:        source,
		store:         store,
		remote:        remote,
		concurrency:   config.Concurrency,
		submitTimeout: config.SubmitTimeout,
		now:           time.Now,
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	if e.submitTimeout <= 0 {
		e.submitTimeout = DefaultExecutorConfig().SubmitTimeout
	}
	if config.RatePerSecond > 0 {
		burst := int(config.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return e
}

// AddEventHandler registers a handler for sync events.
func (e *Executor) AddEventHandler(handler SyncEventHandler) {
	e.events.add(handler)
}

// OnComplete registers fn to receive every finished pass.
func (e *Executor) OnComplete(fn func(*SyncResult)) {
	e.events.add(SyncEventHandlerFunc(func(event SyncEvent) {
		if event.Type == SyncEventCompleted && event.Result != nil {
			fn(event.Result)
		}
	}))
}

// Status returns the current sync status.
func (e *Executor) Status() SyncStatus {
	if e.running.Load() > 0 {
		return SyncStatusSyncing
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastErr != nil || (e.lastResult != nil && !e.lastResult.OK()) {
		return SyncStatusFailed
	}
	return SyncStatusIdle
}

// LastSync returns the end time of the last pass that had no failures.
func (e *Executor) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastResult returns the most recent pass result.
func (e *Executor) LastResult() *SyncResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// LastError returns the error that aborted the last pass, if any.
func (e *Executor) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// GetErrorHistory returns a copy of recent submission failures.
func (e *Executor) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := make([]SyncErrorEntry, len(e.errHistory))
	copy(history, e.errHistory)
	return history
}

// Run performs one sync pass over the unsynced records covered by t.
// It returns an error only when t is invalid or the unsynced set cannot be read.
func (e *Executor) Run(ctx context.Context, t models.SyncType) (*SyncResult, error) {
	if t.Collections() == nil {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown sync type %q", t)
	}

	e.running.Add(1)
	defer e.running.Add(-1)

	result := &SyncResult{
		Type:      t,
		Failures:  make(map[string]string),
		StartTime: e.now(),
	}
	e.events.emit(SyncEvent{Type: SyncEventStarted, SyncType: t})

	items, err := e.source.Unsynced(ctx, t)
	if err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		logging.ErrorWithCode("Sync pass aborted", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"type": string(t)})
		return nil, err
	}

	if len(items) > 0 {
		logging.Info("Sync pass started", map[string]interface{}{
			"type":    string(t),
			"records": len(items),
		})
	}

	var (
		mu gosync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)
	for _, item := range items {
		g.Go(func() error {
			out, err := e.syncRecord(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSucceeded:
				result.Succeeded++
			case outcomeSkipped:
				result.Skipped++
			case outcomeFailed:
				result.Failed++
				result.Failures[item.Record.ID] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.lastErr = nil
	e.lastResult = result
	if result.OK() {
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	if result.Attempted() > 0 {
		logging.Info("Sync pass completed", map[string]interface{}{
			"type":        string(t),
			"succeeded":   result.Succeeded,
			"failed":      result.Failed,
			"skipped":     result.Skipped,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}
	e.events.emit(SyncEvent{Type: SyncEventCompleted, SyncType: t, Result: result})

	return result, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
)

// syncRecord submits one record and records the result in the store.
func (e *Executor) syncRecord(ctx context.Context, item bookkeeping.Item) (outcome, error) {
	c, id := item.Collection, item.Record.ID

	key := string(c) + "/" + id
	if _, claimed := e.claims.LoadOrStore(key, struct{}{}); claimed {
		logging.Debug("Record already being submitted", map[string]interface{}{
			"collection": string(c),
			"id":         id,
		})
		return outcomeSkipped, nil
	}
	defer e.claims.Delete(key)

	if err := ctx.Err(); err != nil {
		return outcomeFailed, err
	}

	// Another pass may have synced it since the unsynced set was read
	rec, ok, err := e.store.Get(ctx, c, id)
	if err != nil {
		return outcomeFailed, err
	}
	if !ok || rec.Synced {
		return outcomeSkipped, nil
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return outcomeFailed, err
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	err = e.remote.Submit(submitCtx, c, rec)
	timedOut := errors.Is(submitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil {
		code := apperrors.ErrSyncSubmission
		if timedOut {
			code = apperrors.ErrSyncTimeout
		}
		wrapped := apperrors.Wrap(code, fmt.Sprintf("submit %s record %s", c, id), err)

		// A cancelled pass is not the record's fault
		if ctx.Err() == nil {
			if ferr := e.store.RecordFailure(ctx, c, id, err.Error()); ferr != nil {
				logging.Error("Failed to record submission failure", ferr,
					map[string]interface{}{"collection": string(c), "id": id})
			}
		}
		e.recordError(c, id, wrapped)
		logging.ErrorWithCode("Record submission failed", string(code), err, map[string]interface{}{
			"collection": string(c),
			"id":         id,
			"attempts":   rec.Attempts + 1,
		})
		e.events.emit(SyncEvent{
			Type:       SyncEventRecordFailed,
			SyncType:   models.SyncTypeFor(c),
			Collection: c,
			RecordID:   id,
			Message:    wrapped.Error(),
		})
		return outcomeFailed, wrapped
	}

	// The remote has the record; keep the confirmation even if the pass is cancelled now
	won, err := e.store.MarkSynced(context.WithoutCancel(ctx), c, id, e.now())
	if err != nil {
		logging.Error("Failed to mark record synced", err,
			map[string]interface{}{"collection": string(c), "id": id})
		return outcomeFailed, err
	}
	if !won {
		return outcomeSkipped, nil
	}

	e.events.emit(SyncEvent{
		Type:       SyncEventRecordSynced,
		SyncType:   models.SyncTypeFor(c),
		Collection: c,
		RecordID:   id,
	})
	return outcomeSucceeded, nil
}

// recordError appends to the bounded error history.
func (e *Executor) recordError(c models.Collection, id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errHistory = append(e.errHistory, SyncErrorEntry{
		Timestamp:  e.now(),
		Collection: c,
		RecordID:   id,
		Error:      err.Error(),
	})
	if len(e.errHistory) > maxErrorHistory {
		e.errHistory = e.errHistory[len(e.errHistory)-maxErrorHistory:]
	}
}
