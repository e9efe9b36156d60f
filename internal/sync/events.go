package sync

import (
	gosync "sync"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted      SyncEventType = "started"
	SyncEventRecordSynced SyncEventType = "record_synced"
	SyncEventRecordFailed SyncEventType = "record_failed"
	SyncEventCompleted    SyncEventType = "completed"
)

// SyncEvent is emitted while a pass runs.
type SyncEvent struct {
	Type       SyncEventType
	SyncType   models.SyncType
	Collection models.Collection
	RecordID   string
	Message    string
	Result     *SyncResult // set on SyncEventCompleted
	Timestamp  time.Time
}

// SyncEventHandler receives sync events. Handlers run on the pass goroutines
// and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// SyncErrorEntry is one failed submission kept for diagnostics.
type SyncErrorEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Collection models.Collection `json:"collection"`
	RecordID   string            `json:"recordId"`
	Error      string            `json:"error"`
}

// maxErrorHistory bounds the in-memory error history.
const maxErrorHistory = 100

// emitter fans events out to registered handlers.
type emitter struct {
	mu       gosync.RWMutex
	handlers []SyncEventHandler
}

func (e *emitter) add(h SyncEventHandler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func (e *emitter) emit(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		h.OnSyncEvent(event)
	}
}
