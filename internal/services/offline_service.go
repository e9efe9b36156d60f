// Package services provides the operations the point-of-sale UI calls.
// OfflineService queues sales and stock adjustments and exposes sync state;
// CatalogService keeps the offline product and customer caches.
package services

import (
	"context"
	"sync"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/sync/bookkeeping"
	"github.com/kimhsiao/stockroom/backend/internal/sync/queue"
	"github.com/kimhsiao/stockroom/backend/internal/uuid"
)

// Store is the subset of the local store the services use.
type Store interface {
	Add(ctx context.Context, c models.Collection, rec *models.Record) error
	Get(ctx context.Context, c models.Collection, id string) (*models.Record, bool, error)
	GetAll(ctx context.Context, c models.Collection, match func(*models.Record) bool) ([]*models.Record, error)
	FindByIndex(ctx context.Context, c models.Collection, index string, value interface{}) ([]*models.Record, error)
	Delete(ctx context.Context, c models.Collection, id string) error
	ReplaceAll(ctx context.Context, c models.Collection, recs []*models.Record) error
	Stats(ctx context.Context) (models.Stats, error)
	ClearAll(ctx context.Context) error
	GetSetting(ctx context.Context, key string, v interface{}) (bool, error)
	SetSetting(ctx context.Context, key string, value interface{}) error
	DeleteSetting(ctx context.Context, key string) error
}

// SyncScheduler is the subset of the scheduler the services trigger.
type SyncScheduler interface {
	RequestSync(ctx context.Context, t models.SyncType) error
	TriggerManualSync(t models.SyncType) (*queue.Request, error)
	SyncNow(ctx context.Context, t models.SyncType) (*models.SyncResult, error)
}

// OfflineService queues offline mutations and reports their sync state.
type OfflineService struct {
	store     Store
	books     *bookkeeping.Bookkeeper
	scheduler SyncScheduler

	// Event callback for WebSocket notifications
	onRecordAdded func(c models.Collection, rec *models.Record)

	mu sync.RWMutex
}

// NewOfflineService creates an OfflineService. scheduler may be nil, e.g. for
// CLI maintenance commands; records are then only queued.
func NewOfflineService(store Store, scheduler SyncScheduler) *OfflineService {
	return &OfflineService{
		store:     store,
		books:     bookkeeping.New(store),
		scheduler: scheduler,
	}
}

// OnRecordAdded sets a callback fired after a record is queued.
func (s *OfflineService) OnRecordAdded(fn func(c models.Collection, rec *models.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecordAdded = fn
}

// AddOfflineSale validates and queues a sale, then requests a sales sync.
// A blank id is replaced by a fresh UUID.
func (s *OfflineService) AddOfflineSale(ctx context.Context, id string, sale *models.Sale) (*models.Record, error) {
	if sale == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sale is required")
	}
	if err := sale.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid sale", err)
	}
	return s.enqueue(ctx, models.CollectionSales, id, sale)
}

// AddOfflineInventoryUpdate validates and queues a stock adjustment, then
// requests an inventory sync.
func (s *OfflineService) AddOfflineInventoryUpdate(ctx context.Context, id string, update *models.InventoryUpdate) (*models.Record, error) {
	if update == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "inventory update is required")
	}
	if err := update.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid inventory update", err)
	}
	return s.enqueue(ctx, models.CollectionInventory, id, update)
}

func (s *OfflineService) enqueue(ctx context.Context, c models.Collection, id string, payload interface{}) (*models.Record, error) {
	id = uuid.EnsureID(id)
	if err := uuid.ValidateRecordID(id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid record id", err)
	}
	rec, err := models.NewRecord(id, payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	if err := s.store.Add(ctx, c, rec); err != nil {
		return nil, err
	}

	logging.Info("Offline record queued", map[string]interface{}{
		"collection": string(c),
		"id":         rec.ID,
	})

	// Fire and forget: the record is durable, a failed request only delays the sync
	if s.scheduler != nil {
		if err := s.scheduler.RequestSync(ctx, models.SyncTypeFor(c)); err != nil {
			logging.Warn("Sync request after queueing failed", map[string]interface{}{
				"collection": string(c),
				"error":      err.Error(),
			})
		}
	}

	s.mu.RLock()
	fn := s.onRecordAdded
	s.mu.RUnlock()
	if fn != nil {
		fn(c, rec)
	}
	return rec, nil
}

// Get returns a record of any collection.
func (s *OfflineService) Get(ctx context.Context, c models.Collection, id string) (*models.Record, error) {
	if !c.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown collection %q", c)
	}
	rec, ok, err := s.store.Get(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NotFound(string(c), id)
	}
	return rec, nil
}

// Delete explicitly purges one record. Unsynced queue records are refused
// unless force is set, since deleting them loses the mutation.
func (s *OfflineService) Delete(ctx context.Context, c models.Collection, id string, force bool) error {
	if !c.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown collection %q", c)
	}
	if c.Syncable() && !force {
		rec, ok, err := s.store.Get(ctx, c, id)
		if err != nil {
			return err
		}
		if ok && !rec.Synced {
			return apperrors.Newf(apperrors.ErrInvalid, "record %q is not synced yet", id)
		}
	}
	return s.store.Delete(ctx, c, id)
}

// PurgeSynced deletes the synced records of a queue collection and returns
// how many were removed.
func (s *OfflineService) PurgeSynced(ctx context.Context, c models.Collection) (int, error) {
	if !c.Syncable() {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "collection %s is not synced", c)
	}
	synced, err := s.store.FindByIndex(ctx, c, "synced", true)
	if err != nil {
		return 0, err
	}
	for i, rec := range synced {
		if err := s.store.Delete(ctx, c, rec.ID); err != nil {
			return i, err
		}
	}
	if len(synced) > 0 {
		logging.Info("Synced records purged", map[string]interface{}{
			"collection": string(c),
			"count":      len(synced),
		})
	}
	return len(synced), nil
}

// GetUnsyncedSummary returns the records still waiting for the remote system.
func (s *OfflineService) GetUnsyncedSummary(ctx context.Context) (*bookkeeping.Summary, error) {
	return s.books.GetUnsyncedSummary(ctx)
}

// Stats returns per-collection totals and unsynced counts.
func (s *OfflineService) Stats(ctx context.Context) (models.Stats, error) {
	return s.books.Stats(ctx)
}

// TriggerManualSync queues a pass and returns without waiting.
func (s *OfflineService) TriggerManualSync(t models.SyncType) error {
	if s.scheduler == nil {
		return apperrors.New(apperrors.ErrSchedulerNotRunning, "sync scheduler is not configured")
	}
	_, err := s.scheduler.TriggerManualSync(t)
	return err
}

// SyncNow runs a pass and waits for its result.
func (s *OfflineService) SyncNow(ctx context.Context, t models.SyncType) (*models.SyncResult, error) {
	if s.scheduler == nil {
		return nil, apperrors.New(apperrors.ErrSchedulerNotRunning, "sync scheduler is not configured")
	}
	return s.scheduler.SyncNow(ctx, t)
}

// GetSetting decodes setting key into v.
func (s *OfflineService) GetSetting(ctx context.Context, key string, v interface{}) (bool, error) {
	return s.store.GetSetting(ctx, key, v)
}

// SetSetting stores value under key.
func (s *OfflineService) SetSetting(ctx context.Context, key string, value interface{}) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "setting key is required")
	}
	return s.store.SetSetting(ctx, key, value)
}

// ClearAll wipes every collection. Maintenance only.
func (s *OfflineService) ClearAll(ctx context.Context) error {
	return s.store.ClearAll(ctx)
}
