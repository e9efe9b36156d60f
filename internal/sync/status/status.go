// Package status keeps the derived sync status shown to the UI.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// StatsSource supplies per-collection counts.
type StatsSource interface {
	Stats(ctx context.Context) (models.Stats, error)
}

// SyncInfo supplies the outcome of recent passes.
type SyncInfo interface {
	LastSync() *time.Time
	LastResult() *models.SyncResult
}

// Status is one snapshot of the sync state.
type Status struct {
	Online             bool               `json:"online"`
	Stats              models.Stats       `json:"stats"`
	TotalUnsynced      int                `json:"totalUnsynced"`
	LastSync           *time.Time         `json:"lastSync,omitempty"`
	LastResult         *models.SyncResult `json:"lastResult,omitempty"`
	Degraded           bool               `json:"degraded"`
	LastCatalogRefresh *time.Time         `json:"lastCatalogRefresh,omitempty"` // nil until the caches are refreshed
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Options wires a Surface to its sources. Online, Degraded and Catalog may be nil.
type Options struct {
	Stats    StatsSource
	Sync     SyncInfo
	Online   func() bool
	Degraded func() bool
	Catalog  func() time.Time // last successful catalog refresh, zero if never
	Interval time.Duration
}

// Surface recomputes Status periodically and on demand.
type Surface struct {
	opts Options

	mu      sync.RWMutex
	current Status
	subs    map[int]func(Status)
	nextSub int

	refreshMu sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	now       func() time.Time
}

// NewSurface creates a Surface. A zero interval defaults to 30s.
func NewSurface(opts Options) *Surface {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Surface{
		opts: opts,
		subs: make(map[int]func(Status)),
		now:  time.Now,
	}
}

// Snapshot returns the latest status.
func (s *Surface) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn for every new snapshot and returns a function that removes it.
func (s *Surface) Subscribe(fn func(Status)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Refresh recomputes the status and notifies subscribers. When the counts
// cannot be read the previous counts are kept and Degraded is set.
func (s *Surface) Refresh(ctx context.Context) Status {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	next := s.current
	s.mu.RUnlock()

	next.UpdatedAt = s.now()
	if s.opts.Online != nil {
		next.Online = s.opts.Online()
	}
	if s.opts.Sync != nil {
		next.LastSync = s.opts.Sync.LastSync()
		next.LastResult = s.opts.Sync.LastResult()
	}
	next.Degraded = s.opts.Degraded != nil && s.opts.Degraded()
	if s.opts.Catalog != nil {
		if at := s.opts.Catalog(); !at.IsZero() {
			next.LastCatalogRefresh = &at
		}
	}

	if s.opts.Stats != nil {
		stats, err := s.opts.Stats.Stats(ctx)
		if err != nil {
			logging.Warn("Status refresh could not read stats", map[string]interface{}{"error": err.Error()})
			next.Degraded = true
		} else {
			next.Stats = stats
			next.TotalUnsynced = stats.TotalUnsynced()
		}
	}

	s.mu.Lock()
	s.current = next
	subs := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return next
}

// Start refreshes once and then every interval until Stop or ctx is done.
func (s *Surface) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.Refresh(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
}

// Stop ends periodic refreshing.
func (s *Surface) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}
