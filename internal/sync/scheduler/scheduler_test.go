// Package scheduler tests for sync triggering.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/db"
	"github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/platform/spool"
	syncpkg "github.com/kimhsiao/stockroom/backend/internal/sync"
	"github.com/kimhsiao/stockroom/backend/internal/sync/bookkeeping"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeExecutor counts passes and returns a configurable result.
type fakeExecutor struct {
	mu      sync.Mutex
	runs    []models.SyncType
	failed  int
	err     error
	delay   time.Duration
	started chan struct{}
}

func (e *fakeExecutor) Run(ctx context.Context, t models.SyncType) (*syncpkg.SyncResult, error) {
	e.mu.Lock()
	e.runs = append(e.runs, t)
	failed, err, delay, started := e.failed, e.err, e.delay, e.started
	e.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
	if err != nil {
		return nil, err
	}
	return &syncpkg.SyncResult{Type: t, Failed: failed}, nil
}

func (e *fakeExecutor) AddEventHandler(syncpkg.SyncEventHandler) {}
func (e *fakeExecutor) OnComplete(func(*syncpkg.SyncResult))     {}
func (e *fakeExecutor) Status() syncpkg.SyncStatus               { return syncpkg.SyncStatusIdle }
func (e *fakeExecutor) LastSync() *time.Time                     { return nil }
func (e *fakeExecutor) LastResult() *syncpkg.SyncResult          { return nil }

func (e *fakeExecutor) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func (e *fakeExecutor) setFailed(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = n
}

type staticCounter int

func (c staticCounter) TotalUnsynced(ctx context.Context) (int, error) {
	return int(c), nil
}

// fakeDeferred records registrations or fails them.
type fakeDeferred struct {
	mu   sync.Mutex
	tags []string
	err  error
}

func (d *fakeDeferred) Register(ctx context.Context, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tags = append(d.tags, tag)
	return nil
}

func testConfig() *SchedulerConfig {
	return &SchedulerConfig{
		RetryBase:   20 * time.Millisecond,
		RetryMax:    100 * time.Millisecond,
		PassTimeout: time.Second,
	}
}

// createTestScheduler creates a scheduler over a fake executor.
func createTestScheduler(t *testing.T, unsynced int, deferred Deferred) (*fakeExecutor, *Scheduler) {
	t.Helper()
	exec := &fakeExecutor{}
	s := NewScheduler(exec, staticCounter(unsynced), deferred, testConfig())
	t.Cleanup(s.Stop)
	return exec, s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Configuration & lifecycle
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.RetryBase != 30*time.Second {
		t.Errorf("RetryBase = %v, want 30s", config.RetryBase)
	}
	if config.RetryMax != 30*time.Minute {
		t.Errorf("RetryMax = %v, want 30m", config.RetryMax)
	}
	if config.PassTimeout != 5*time.Minute {
		t.Errorf("PassTimeout = %v, want 5m", config.PassTimeout)
	}
}

// TestNewScheduler_nilConfig verifies defaults are used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeExecutor{}, staticCounter(0), nil, nil)

	if s.retryBase != 30*time.Second || s.passTimeout != 5*time.Minute {
		t.Errorf("retryBase = %v, passTimeout = %v", s.retryBase, s.passTimeout)
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running before Start")
	}
}

// TestScheduler_StartStop verifies the lifecycle is idempotent.
func TestScheduler_StartStop(t *testing.T) {
	_, s := createTestScheduler(t, 0, nil)
	ctx := context.Background()

	s.Start(ctx, true)
	s.Start(ctx, true)
	if !s.IsRunning() || !s.IsOnline() {
		t.Error("scheduler should be running and online")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}

	// restart after stop
	s.Start(ctx, false)
	if !s.IsRunning() || s.IsOnline() {
		t.Error("restarted scheduler should be running and offline")
	}
}

// TestScheduler_Stop_withoutStart verifies Stop on a fresh scheduler.
func TestScheduler_Stop_withoutStart(t *testing.T) {
	s := NewScheduler(&fakeExecutor{}, staticCounter(0), nil, testConfig())
	s.Stop()
}

// =====================================================
// Triggers
// =====================================================

// TestScheduler_Start_startupPass verifies startup syncs when there is work.
func TestScheduler_Start_startupPass(t *testing.T) {
	exec, s := createTestScheduler(t, 3, nil)
	s.Start(context.Background(), true)

	waitFor(t, func() bool { return exec.runCount() == 1 })
	if exec.runs[0] != models.SyncAll {
		t.Errorf("startup pass type = %s, want all", exec.runs[0])
	}
}

// TestScheduler_Start_noWork verifies no pass runs when nothing is unsynced or offline.
func TestScheduler_Start_noWork(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	s.Start(context.Background(), true)

	exec2, s2 := createTestScheduler(t, 5, nil)
	s2.Start(context.Background(), false)

	time.Sleep(50 * time.Millisecond)
	if exec.runCount() != 0 || exec2.runCount() != 0 {
		t.Errorf("runs = %d, %d, want 0", exec.runCount(), exec2.runCount())
	}
}

// TestScheduler_SetOnlineStatus verifies only the offline to online edge triggers.
func TestScheduler_SetOnlineStatus(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	s.Start(context.Background(), false)

	s.SetOnlineStatus(false)
	s.SetOnlineStatus(true)
	s.SetOnlineStatus(true)

	waitFor(t, func() bool { return exec.runCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if exec.runCount() != 1 {
		t.Errorf("runs = %d, want 1", exec.runCount())
	}
	if !s.IsOnline() {
		t.Error("IsOnline() = false, want true")
	}
}

// TestScheduler_doubleOnline verifies rapid duplicate online events collapse.
func TestScheduler_doubleOnline(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	exec.delay = 50 * time.Millisecond
	exec.started = make(chan struct{}, 1)
	s.Start(context.Background(), false)

	s.SetOnlineStatus(true)
	<-exec.started
	// two more edges while the first pass runs collapse into one queued pass
	s.SetOnlineStatus(false)
	s.SetOnlineStatus(true)
	s.SetOnlineStatus(false)
	s.SetOnlineStatus(true)

	waitFor(t, func() bool { return exec.runCount() == 2 })
	time.Sleep(100 * time.Millisecond)
	if exec.runCount() != 2 {
		t.Errorf("runs = %d, want 2", exec.runCount())
	}
}

// TestScheduler_RequestSync_deferred verifies registration with the platform facility.
func TestScheduler_RequestSync_deferred(t *testing.T) {
	deferred := &fakeDeferred{}
	exec, s := createTestScheduler(t, 0, deferred)
	s.Start(context.Background(), true)

	if err := s.RequestSync(context.Background(), models.SyncSales); err != nil {
		t.Fatalf("RequestSync() error = %v", err)
	}
	if len(deferred.tags) != 1 || deferred.tags[0] != "sync-sales" {
		t.Errorf("registered tags = %v", deferred.tags)
	}

	time.Sleep(30 * time.Millisecond)
	if exec.runCount() != 0 {
		t.Error("deferred request should not run in the foreground")
	}

	if err := s.HandleDeferred(context.Background(), "sync-sales"); err != nil {
		t.Fatalf("HandleDeferred() error = %v", err)
	}
	waitFor(t, func() bool { return exec.runCount() == 1 })

	if err := s.HandleDeferred(context.Background(), "sync-bogus"); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("HandleDeferred(bogus) error = %v, want INVALID_INPUT", err)
	}
}

// TestScheduler_RequestSync_fallback verifies unsupported scheduling falls back to foreground.
func TestScheduler_RequestSync_fallback(t *testing.T) {
	deferred := &fakeDeferred{err: errors.New(errors.ErrSchedulingUnsupported, "no background tasks")}
	exec, s := createTestScheduler(t, 0, deferred)
	s.Start(context.Background(), true)

	for i := 0; i < 3; i++ {
		if err := s.RequestSync(context.Background(), models.SyncInventory); err != nil {
			t.Fatalf("RequestSync() error = %v", err)
		}
	}
	waitFor(t, func() bool { return exec.runCount() >= 1 })
}

// TestScheduler_RequestSync_spoolNotRunning verifies a spool without a dispatcher
// does not swallow requests.
func TestScheduler_RequestSync_spoolNotRunning(t *testing.T) {
	sp := spool.New(t.TempDir(), nil)
	exec, s := createTestScheduler(t, 0, sp)
	s.Start(context.Background(), true)

	if err := s.RequestSync(context.Background(), models.SyncSales); err != nil {
		t.Fatalf("RequestSync() error = %v", err)
	}
	waitFor(t, func() bool { return exec.runCount() == 1 })

	if tags, _ := sp.Pending(); len(tags) != 0 {
		t.Errorf("spool holds %v, want nothing registered", tags)
	}
}

// TestScheduler_RequestSync_invalid verifies type validation.
func TestScheduler_RequestSync_invalid(t *testing.T) {
	_, s := createTestScheduler(t, 0, nil)
	s.Start(context.Background(), true)

	if err := s.RequestSync(context.Background(), models.SyncType("bogus")); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("RequestSync() error = %v, want INVALID_INPUT", err)
	}
}

// TestScheduler_TriggerManualSync_notRunning verifies the scheduling error.
func TestScheduler_TriggerManualSync_notRunning(t *testing.T) {
	_, s := createTestScheduler(t, 0, nil)

	if _, err := s.TriggerManualSync(models.SyncAll); !errors.Is(err, errors.ErrSchedulerNotRunning) {
		t.Errorf("TriggerManualSync() error = %v, want SCHEDULER_NOT_RUNNING", err)
	}
	if err := s.RequestSync(context.Background(), models.SyncAll); !errors.Is(err, errors.ErrSchedulerNotRunning) {
		t.Errorf("RequestSync() error = %v, want SCHEDULER_NOT_RUNNING", err)
	}
}

// TestScheduler_SyncNow verifies the caller receives the pass result.
func TestScheduler_SyncNow(t *testing.T) {
	_, s := createTestScheduler(t, 0, nil)
	s.Start(context.Background(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := s.SyncNow(ctx, models.SyncInventory)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Type != models.SyncInventory {
		t.Errorf("result type = %s, want inventory", result.Type)
	}

	status := s.GetStatus()
	if status.LastSyncTime == nil || status.LastResult == nil {
		t.Error("status should report the last pass")
	}
}

// TestScheduler_manualWhileOffline verifies manual passes run while offline.
func TestScheduler_manualWhileOffline(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	s.Start(context.Background(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.SyncNow(ctx, models.SyncAll); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if exec.runCount() != 1 {
		t.Errorf("runs = %d, want 1", exec.runCount())
	}
}

// =====================================================
// Retry
// =====================================================

// TestScheduler_retryAfterFailures verifies backoff retries until the pass is clean.
func TestScheduler_retryAfterFailures(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	exec.setFailed(1)
	s.Start(context.Background(), true)

	if _, err := s.TriggerManualSync(models.SyncAll); err != nil {
		t.Fatalf("TriggerManualSync() error = %v", err)
	}
	waitFor(t, func() bool { return exec.runCount() >= 3 })
	if s.GetStatus().RetryCount < 2 {
		t.Errorf("RetryCount = %d, want >= 2", s.GetStatus().RetryCount)
	}

	exec.setFailed(0)
	waitFor(t, func() bool { return s.GetStatus().RetryCount == 0 })

	n := exec.runCount()
	time.Sleep(150 * time.Millisecond)
	if exec.runCount() != n {
		t.Error("no retry should follow a clean pass")
	}
}

// TestScheduler_retryStopsOffline verifies retries wait for connectivity.
func TestScheduler_retryStopsOffline(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	exec.setFailed(1)
	s.Start(context.Background(), true)

	if _, err := s.TriggerManualSync(models.SyncAll); err != nil {
		t.Fatalf("TriggerManualSync() error = %v", err)
	}
	waitFor(t, func() bool { return exec.runCount() >= 1 })
	s.SetOnlineStatus(false)

	time.Sleep(50 * time.Millisecond)
	n := exec.runCount()
	time.Sleep(200 * time.Millisecond)
	if exec.runCount() != n {
		t.Errorf("runs grew from %d to %d while offline", n, exec.runCount())
	}
}

// TestScheduler_executorError verifies aborted passes are reported to waiters.
func TestScheduler_executorError(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	exec.err = errors.New(errors.ErrStorage, "disk gone")
	s.Start(context.Background(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.SyncNow(ctx, models.SyncAll); !errors.Is(err, errors.ErrStorage) {
		t.Errorf("SyncNow() error = %v, want STORAGE_ERROR", err)
	}
}

// TestScheduler_Stop_releasesWaiters verifies queued requests fail on stop.
func TestScheduler_Stop_releasesWaiters(t *testing.T) {
	exec, s := createTestScheduler(t, 0, nil)
	exec.delay = 200 * time.Millisecond
	exec.started = make(chan struct{}, 1)
	s.Start(context.Background(), true)

	if _, err := s.TriggerManualSync(models.SyncSales); err != nil {
		t.Fatal(err)
	}
	<-exec.started
	queued, err := s.TriggerManualSync(models.SyncInventory)
	if err != nil {
		t.Fatal(err)
	}

	s.Stop()
	_, err = queued.Wait(context.Background())
	if !errors.Is(err, errors.ErrSchedulerNotRunning) {
		t.Errorf("Wait() error = %v, want SCHEDULER_NOT_RUNNING", err)
	}
}

// TestScheduler_SyncNowDuringStop verifies a manual sync racing Stop always returns.
func TestScheduler_SyncNowDuringStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		_, s := createTestScheduler(t, 0, nil)
		s.Start(context.Background(), true)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		done := make(chan error, 1)
		go func() {
			_, err := s.SyncNow(ctx, models.SyncAll)
			done <- err
		}()
		s.Stop()

		err := <-done
		cancel()
		if err != nil && !errors.Is(err, errors.ErrSchedulerNotRunning) {
			t.Fatalf("iteration %d: SyncNow() error = %v, want nil or SCHEDULER_NOT_RUNNING", i, err)
		}
	}
}

// =====================================================
// Integration with the executor
// =====================================================

type countingRemote struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRemote) Submit(ctx context.Context, c models.Collection, rec *models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func newIntegration(t *testing.T) (*db.Store, *countingRemote, *Scheduler) {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	store := db.NewStore(conn.DB)
	if err := store.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	remote := &countingRemote{}
	books := bookkeeping.New(store)
	exec := syncpkg.NewExecutor(books, store, remote, nil)
	s := NewScheduler(exec, books, nil, testConfig())
	t.Cleanup(s.Stop)
	return store, remote, s
}

// TestScheduler_manualSyncNothingQueued: a manual "all" pass with nothing queued.
func TestScheduler_manualSyncNothingQueued(t *testing.T) {
	_, remote, s := newIntegration(t)
	s.Start(context.Background(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := s.SyncNow(ctx, models.SyncAll)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("result = %+v, want 0/0", result)
	}
	if remote.calls != 0 {
		t.Errorf("remote calls = %d, want 0", remote.calls)
	}
}

// TestScheduler_onlineEventsSubmitOnce: repeated online events submit each record once.
func TestScheduler_onlineEventsSubmitOnce(t *testing.T) {
	store, remote, s := newIntegration(t)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s3"} {
		rec := &models.Record{ID: id, Payload: json.RawMessage(`{"total":"5"}`)}
		if err := store.Add(ctx, models.CollectionSales, rec); err != nil {
			t.Fatal(err)
		}
	}
	s.Start(ctx, false)

	for i := 0; i < 5; i++ {
		s.SetOnlineStatus(true)
		s.SetOnlineStatus(false)
	}
	s.SetOnlineStatus(true)

	waitFor(t, func() bool {
		stats, err := store.Stats(ctx)
		return err == nil && stats.TotalUnsynced() == 0
	})
	time.Sleep(50 * time.Millisecond)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.calls != 3 {
		t.Errorf("remote calls = %d, want 3", remote.calls)
	}
}
