// Package scheduler decides when sync passes run.
//
// Every trigger (network coming back, startup, a new offline record, a manual
// request, a deferred platform task, a retry) becomes a request on a single
// RequestQueue. One consumer goroutine drains it and runs the executor, so two
// triggers for the same type never produce two concurrent passes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	syncpkg "github.com/kimhsiao/stockroom/backend/internal/sync"
	"github.com/kimhsiao/stockroom/backend/internal/sync/queue"
)

// Deferred is a platform facility that runs a named task later, possibly
// after a process restart. Register returns a SCHEDULING_UNSUPPORTED error
// when the platform has no such facility.
type Deferred interface {
	Register(ctx context.Context, tag string) error
}

// Counter reports how many records are still waiting to be synced.
type Counter interface {
	TotalUnsynced(ctx context.Context) (int, error)
}

// Scheduler manages sync triggering.
type Scheduler struct {
	executor syncpkg.ExecutorInterface
	counter  Counter
	queue    *queue.RequestQueue
	deferred Deferred

	retryBase   time.Duration
	retryMax    time.Duration
	passTimeout time.Duration

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	syncInProgress bool
	retryCount     int
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult

	deferredFailOnce sync.Once
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	RetryBase   time.Duration // first retry delay after a pass with failures (default: 30s)
	RetryMax    time.Duration // cap for the exponential retry delay (default: 30m)
	PassTimeout time.Duration // upper bound for one pass (default: 5m)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		RetryBase:   30 * time.Second,
		RetryMax:    30 * time.Minute,
		PassTimeout: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. deferred may be nil, in which case
// every request runs on the foreground path.
func NewScheduler(executor syncpkg.ExecutorInterface, counter Counter, deferred Deferred, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		executor:    executor,
		counter:     counter,
		queue:       queue.NewRequestQueue(),
		deferred:    deferred,
		retryBase:   config.RetryBase,
		retryMax:    config.RetryMax,
		passTimeout: config.PassTimeout,
	}
}

// Start starts the consumer goroutine. online is the network state at startup;
// when online with unsynced records a startup pass is requested.
func (s *Scheduler) Start(ctx context.Context, online bool) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.isOnline = online
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consumeLoop(runCtx)

	logging.Info("Sync scheduler started", map[string]interface{}{"online": online})

	if !online {
		return
	}
	n, err := s.counter.TotalUnsynced(ctx)
	if err != nil {
		logging.Error("Failed to count unsynced records at startup", err)
		return
	}
	if n > 0 {
		s.queue.Enqueue(models.SyncAll, queue.ReasonStartup)
	}
}

// Stop stops the scheduler gracefully. Queued requests are released with
// SCHEDULER_NOT_RUNNING.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.queue.Clear(errors.New(errors.ErrSchedulerNotRunning, "scheduler stopped"))

	logging.Info("Sync scheduler stopped", nil)
}

// SetOnlineStatus records a connectivity change. Going online requests a
// full pass; going offline lets the current pass finish on its own.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.enqueue(models.SyncAll, queue.ReasonOnline)
	}
}

// RequestSync asks for a pass of type t, preferring the deferred facility.
// Registration failures fall back to the foreground queue and are logged once.
func (s *Scheduler) RequestSync(ctx context.Context, t models.SyncType) error {
	if t.Collections() == nil {
		return errors.Newf(errors.ErrInvalid, "unknown sync type %q", t)
	}

	if s.deferred != nil {
		err := s.deferred.Register(ctx, queue.TagFor(t))
		if err == nil {
			return nil
		}
		s.deferredFailOnce.Do(func() {
			logging.ErrorWithCode("Deferred sync unavailable, using foreground sync",
				string(errors.CodeOf(err)), err, map[string]interface{}{"tag": queue.TagFor(t)})
		})
	}

	_, err := s.enqueue(t, queue.ReasonRecord)
	return err
}

// HandleDeferred runs when the platform fires a registered task. It queues the
// pass and returns without waiting for it.
func (s *Scheduler) HandleDeferred(ctx context.Context, tag string) error {
	t, err := queue.ParseTag(tag)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "unknown deferred task", err)
	}
	_, err = s.enqueue(t, queue.ReasonDeferred)
	return err
}

// TriggerManualSync queues a pass of type t and returns immediately.
// Only scheduling errors are reported; pass results arrive through the
// executor's completion listeners.
func (s *Scheduler) TriggerManualSync(t models.SyncType) (*queue.Request, error) {
	if t.Collections() == nil {
		return nil, errors.Newf(errors.ErrInvalid, "unknown sync type %q", t)
	}
	return s.enqueue(t, queue.ReasonManual)
}

// enqueue queues a request while the scheduler is running. The check and the
// enqueue share the lock Stop takes, so nothing lands after Stop clears the queue.
func (s *Scheduler) enqueue(t models.SyncType, reason queue.Reason) (*queue.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return nil, errors.New(errors.ErrSchedulerNotRunning, "sync scheduler is not running")
	}
	req, _ := s.queue.Enqueue(t, reason)
	return req, nil
}

// SyncNow queues a pass of type t and waits for its result.
func (s *Scheduler) SyncNow(ctx context.Context, t models.SyncType) (*syncpkg.SyncResult, error) {
	req, err := s.TriggerManualSync(t)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// consumeLoop runs one pass per dequeued request.
func (s *Scheduler) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		req, err := s.queue.Next(ctx)
		if err != nil {
			return
		}

		select {
		case <-s.stopCh:
			s.queue.Complete(req, nil, errors.New(errors.ErrSchedulerNotRunning, "scheduler stopped"))
			return
		default:
		}

		s.runPass(ctx, req)
	}
}

// runPass executes the executor for req and schedules a retry on failures.
func (s *Scheduler) runPass(ctx context.Context, req *queue.Request) {
	if !s.IsOnline() && req.Reason != queue.ReasonManual {
		// The next online transition requests a full pass anyway
		logging.Debug("Skipping sync pass while offline", map[string]interface{}{
			"type":   string(req.Type),
			"reason": string(req.Reason),
		})
		s.queue.Complete(req, &syncpkg.SyncResult{Type: req.Type}, nil)
		return
	}

	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	passCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	result, err := s.executor.Run(passCtx, req.Type)
	cancel()

	s.mu.Lock()
	s.syncInProgress = false
	if err == nil {
		s.lastResult = result
		if result.OK() {
			s.lastSyncTime = time.Now()
		}
	}
	s.mu.Unlock()

	s.queue.Complete(req, result, err)

	if err != nil {
		logging.ErrorWithCode("Sync pass failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"type": string(req.Type), "reason": string(req.Reason)})
		s.scheduleRetry(req.Type)
		return
	}
	if result.Failed > 0 {
		s.scheduleRetry(req.Type)
		return
	}

	s.mu.Lock()
	s.retryCount = 0
	s.mu.Unlock()
}

// scheduleRetry queues a delayed pass with exponential backoff.
// Failed records are never dropped; they wait for the next pass.
func (s *Scheduler) scheduleRetry(t models.SyncType) {
	s.mu.Lock()
	if !s.isOnline || !s.isRunning {
		s.mu.Unlock()
		return
	}
	retry := s.retryCount
	s.retryCount++
	delay := queue.Backoff(retry, s.retryBase, s.retryMax)
	s.queue.EnqueueAfter(t, queue.ReasonRetry, delay, retry+1)
	s.mu.Unlock()

	logging.Info("Sync retry scheduled", map[string]interface{}{
		"type":       string(t),
		"retry":      retry + 1,
		"delay_secs": delay.Seconds(),
	})
}

// SchedulerStatus describes the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool                `json:"isRunning"`
	IsOnline        bool                `json:"isOnline"`
	SyncInProgress  bool                `json:"syncInProgress"`
	LastSyncTime    *time.Time          `json:"lastSyncTime,omitempty"`
	LastResult      *syncpkg.SyncResult `json:"lastResult,omitempty"`
	RetryCount      int                 `json:"retryCount"`
	PendingRequests int                 `json:"pendingRequests"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		SyncInProgress:  s.syncInProgress,
		LastResult:      s.lastResult,
		RetryCount:      s.retryCount,
		PendingRequests: s.queue.Size(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// Pending returns the queued requests.
func (s *Scheduler) Pending() []queue.Request {
	return s.queue.Pending()
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
