package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// Store is the durable local record store.
//
// A Store is constructed with NewStore and must be opened with Open before use;
// every collection operation called earlier fails with STORAGE_ERROR.
type Store struct {
	db       *sql.DB
	migrator *Migrator

	ready     chan struct{}
	readyOnce sync.Once
	opened    atomic.Bool
	closed    atomic.Bool

	degraded        atomic.Bool
	unavailableOnce sync.Once
	onUnavailable   func(error)

	// Prepared statement cache for the per-record queries, keyed by query string
	stmtCache sync.Map // map[string]*sql.Stmt

	now func() time.Time
}

// NewStore creates a Store over db using the embedded migrations.
func NewStore(db *sql.DB) *Store {
	return NewStoreWithMigrations(db, Migrations())
}

// NewStoreWithMigrations creates a Store that applies the migrations in fsys on Open.
func NewStoreWithMigrations(db *sql.DB, fsys fs.FS) *Store {
	return &Store{
		db:       db,
		migrator: NewMigrator(db, fsys),
		ready:    make(chan struct{}),
		now:      time.Now,
	}
}

// OnUnavailable registers fn to be called once, on the first persistence failure.
func (s *Store) OnUnavailable(fn func(error)) {
	s.onUnavailable = fn
}

// Open runs pending migrations and marks the store ready. Calling Open on an
// opened store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	if s.opened.Load() {
		return nil
	}
	if s.closed.Load() {
		return apperrors.New(apperrors.ErrStorage, "store closed")
	}

	if err := s.migrator.Up(ctx); err != nil {
		wrapped := apperrors.Wrap(apperrors.ErrMigration, "schema migration failed", err)
		s.markUnavailable(wrapped)
		return wrapped
	}

	version, err := s.migrator.CurrentVersion(ctx)
	if err != nil {
		return s.fail("read schema version", err)
	}

	s.opened.Store(true)
	s.readyOnce.Do(func() { close(s.ready) })
	logging.Info("Local store opened", map[string]interface{}{
		"schema_version": version,
	})
	return nil
}

// Ready is closed once Open has succeeded.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Degraded reports whether a persistence failure has been observed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Migrator returns the store's schema migrator.
func (s *Store) Migrator() *Migrator {
	return s.migrator
}

// Close releases cached statements and the database handle.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// =====================================================
// Collection Operations
// =====================================================

// Add inserts rec into collection c. The store sets Timestamp, LastUpdated and
// clears the sync fields. Fails with DUPLICATE if the id already exists.
func (s *Store) Add(ctx context.Context, c models.Collection, rec *models.Record) error {
	t, err := s.begin(c)
	if err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	now := s.now()
	stmt, err := s.prepare(ctx, t.insertQuery())
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, rec.ID, string(rec.Payload), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return s.fail("insert into "+t.name, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return s.fail("insert into "+t.name, err)
	} else if n == 0 {
		return apperrors.Duplicate(string(c), rec.ID)
	}

	rec.Timestamp = now.UnixMilli()
	rec.LastUpdated = time.UnixMilli(now.UnixMilli())
	rec.Synced = false
	rec.SyncedAt = nil
	rec.Attempts = 0
	rec.LastError = ""
	return nil
}

// Update overwrites the record with rec.ID, refreshing LastUpdated. Queue
// collections only accept synced and synced_at: the payload stays as inserted,
// synced never goes back to false, and attempts/last_error belong to
// RecordFailure. Fails with NOT_FOUND if the id is absent.
func (s *Store) Update(ctx context.Context, c models.Collection, rec *models.Record) error {
	t, err := s.begin(c)
	if err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record id is required")
	}

	now := s.now().UnixMilli()
	var args []interface{}
	if t.syncable {
		syncedAt := now
		if rec.SyncedAt != nil {
			syncedAt = rec.SyncedAt.UnixMilli()
		}
		args = []interface{}{boolInt(rec.Synced), syncedAt, now, rec.ID}
	} else {
		if err := validateRecord(rec); err != nil {
			return err
		}
		args = []interface{}{string(rec.Payload), now, rec.ID}
	}

	stmt, err := s.prepare(ctx, t.updateQuery())
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return s.fail("update "+t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail("update "+t.name, err)
	}
	if n == 0 {
		return apperrors.NotFound(string(c), rec.ID)
	}

	stored, ok, err := s.Get(ctx, c, rec.ID)
	if err != nil {
		return err
	}
	if ok {
		*rec = *stored
	}
	return nil
}

// Get returns the record with id. A missing record is (nil, false, nil).
func (s *Store) Get(ctx context.Context, c models.Collection, id string) (*models.Record, bool, error) {
	t, err := s.begin(c)
	if err != nil {
		return nil, false, err
	}

	stmt, err := s.prepare(ctx, t.getQuery())
	if err != nil {
		return nil, false, err
	}
	rec, err := scanRecord(stmt.QueryRowContext(ctx, id), t)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail("read from "+t.name, err)
	}
	return rec, true, nil
}

// GetAll returns every record in c accepted by match. A nil match accepts all.
// Order is unspecified.
func (s *Store) GetAll(ctx context.Context, c models.Collection, match func(*models.Record) bool) ([]*models.Record, error) {
	t, err := s.begin(c)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, t, match, t.selectQuery())
}

// FindByIndex returns the records of c whose indexed column equals value.
func (s *Store) FindByIndex(ctx context.Context, c models.Collection, index string, value interface{}) ([]*models.Record, error) {
	t, err := s.begin(c)
	if err != nil {
		return nil, err
	}
	q, err := t.indexQuery(index)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "unknown index", err)
	}
	if b, ok := value.(bool); ok {
		value = boolInt(b)
	}
	return s.query(ctx, t, nil, q, value)
}

// Delete removes the record with id. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, c models.Collection, id string) error {
	t, err := s.begin(c)
	if err != nil {
		return err
	}
	stmt, err := s.prepare(ctx, t.deleteQuery())
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return s.fail("delete from "+t.name, err)
	}
	return nil
}

// Clear removes every record in c.
func (s *Store) Clear(ctx context.Context, c models.Collection) error {
	t, err := s.begin(c)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, t.clearQuery()); err != nil {
		return s.fail("clear "+t.name, err)
	}
	return nil
}

// ReplaceAll swaps the contents of a cache collection for recs in one
// transaction. Readers see either the old or the new set. Queue collections
// are rejected: unsynced records are never dropped implicitly.
func (s *Store) ReplaceAll(ctx context.Context, c models.Collection, recs []*models.Record) error {
	t, err := s.begin(c)
	if err != nil {
		return err
	}
	if t.syncable {
		return apperrors.Newf(apperrors.ErrInvalid, "cannot replace queue collection %s", c)
	}
	for _, rec := range recs {
		if err := validateRecord(rec); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin replace of "+t.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, t.clearQuery()); err != nil {
		return s.fail("clear "+t.name, err)
	}

	now := s.now().UnixMilli()
	insert := t.insertQuery()
	for _, rec := range recs {
		res, err := tx.ExecContext(ctx, insert, rec.ID, string(rec.Payload), now, now)
		if err != nil {
			return s.fail("insert into "+t.name, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return s.fail("insert into "+t.name, err)
		} else if n == 0 {
			return apperrors.Duplicate(string(c), rec.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.fail("commit replace of "+t.name, err)
	}
	for _, rec := range recs {
		rec.Timestamp = now
		rec.LastUpdated = time.UnixMilli(now)
	}
	return nil
}

// MarkSynced flips synced from false to true. It reports whether this call
// performed the transition; false means another writer already did.
func (s *Store) MarkSynced(ctx context.Context, c models.Collection, id string, at time.Time) (bool, error) {
	t, err := s.begin(c)
	if err != nil {
		return false, err
	}
	if !t.syncable {
		return false, apperrors.Newf(apperrors.ErrInvalid, "collection %s has no sync state", c)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET synced = 1, synced_at = ?, last_updated = ?, last_error = '' WHERE id = ? AND synced = 0",
		t.name)
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return false, err
	}
	res, err := stmt.ExecContext(ctx, at.UnixMilli(), s.now().UnixMilli(), id)
	if err != nil {
		return false, s.fail("mark synced in "+t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("mark synced in "+t.name, err)
	}
	if n == 1 {
		return true, nil
	}

	if _, ok, err := s.Get(ctx, c, id); err != nil {
		return false, err
	} else if !ok {
		return false, apperrors.NotFound(string(c), id)
	}
	return false, nil
}

// RecordFailure counts a failed submission of an unsynced record.
func (s *Store) RecordFailure(ctx context.Context, c models.Collection, id string, message string) error {
	t, err := s.begin(c)
	if err != nil {
		return err
	}
	if !t.syncable {
		return apperrors.Newf(apperrors.ErrInvalid, "collection %s has no sync state", c)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET attempts = attempts + 1, last_error = ?, last_updated = ? WHERE id = ? AND synced = 0",
		t.name)
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, message, s.now().UnixMilli(), id); err != nil {
		return s.fail("record failure in "+t.name, err)
	}
	return nil
}

// Stats returns per-collection totals and unsynced counts.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	if err := s.checkReady(); err != nil {
		return stats, err
	}
	for _, c := range models.AllCollections() {
		t := tables[c]
		counts := stats.For(c)
		if err := s.db.QueryRowContext(ctx, t.statsQuery()).Scan(&counts.Total, &counts.Unsynced); err != nil {
			return models.Stats{}, s.fail("count "+t.name, err)
		}
	}
	return stats, nil
}

// ClearAll empties every collection in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin clear all", err)
	}
	defer tx.Rollback()

	for _, c := range models.AllCollections() {
		if _, err := tx.ExecContext(ctx, tables[c].clearQuery()); err != nil {
			return s.fail("clear "+tables[c].name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fail("commit clear all", err)
	}
	logging.Warn("Local store cleared")
	return nil
}

// =====================================================
// Settings
// =====================================================

// GetSetting decodes the setting with key into v. It reports false if the key is unset.
func (s *Store) GetSetting(ctx context.Context, key string, v interface{}) (bool, error) {
	rec, ok, err := s.Get(ctx, models.CollectionSettings, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return false, apperrors.Wrap(apperrors.ErrInvalid, "decode setting "+key, err)
	}
	return true, nil
}

// SetSetting stores value under key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key string, value interface{}) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "setting key is required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode setting "+key, err)
	}

	now := s.now().UnixMilli()
	query := `INSERT INTO settings (key, value, timestamp, last_updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, last_updated = excluded.last_updated`
	if _, err := s.db.ExecContext(ctx, query, key, string(data), now, now); err != nil {
		return s.fail("write setting", err)
	}
	return nil
}

// DeleteSetting removes key. Missing keys are ignored.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.Delete(ctx, models.CollectionSettings, key)
}

// =====================================================
// Helpers
// =====================================================

func (s *Store) checkReady() error {
	if s.closed.Load() {
		return apperrors.New(apperrors.ErrStorage, "store closed")
	}
	if !s.opened.Load() {
		return apperrors.New(apperrors.ErrStorage, "store not ready")
	}
	return nil
}

func (s *Store) begin(c models.Collection) (*table, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	t, err := lookupTable(c)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid collection", err)
	}
	return t, nil
}

// prepare gets or creates a prepared statement from the cache.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, s.fail("prepare statement", err)
	}

	// Another goroutine may have prepared the same query meanwhile
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

func (s *Store) query(ctx context.Context, t *table, match func(*models.Record) bool, query string, args ...interface{}) ([]*models.Record, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, s.fail("query "+t.name, err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows, t)
		if err != nil {
			return nil, s.fail("scan "+t.name, err)
		}
		if match == nil || match(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("query "+t.name, err)
	}
	return out, nil
}

// fail wraps a persistence error as STORAGE_ERROR and degrades the store.
// Context cancellation is the caller's doing and is returned as-is.
func (s *Store) fail(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := apperrors.Storage(op, err)
	s.markUnavailable(wrapped)
	return wrapped
}

func (s *Store) markUnavailable(err error) {
	s.degraded.Store(true)
	s.unavailableOnce.Do(func() {
		logging.ErrorWithCode("Local store unavailable", string(apperrors.CodeOf(err)), err)
		if s.onUnavailable != nil {
			s.onUnavailable(err)
		}
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, t *table) (*models.Record, error) {
	var (
		rec         models.Record
		payload     string
		lastUpdated int64
	)
	dest := []interface{}{&rec.ID, &payload, &rec.Timestamp, &lastUpdated}

	var (
		synced   int
		syncedAt sql.NullInt64
	)
	if t.syncable {
		dest = append(dest, &synced, &syncedAt, &rec.Attempts, &rec.LastError)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Payload = json.RawMessage(payload)
	rec.LastUpdated = time.UnixMilli(lastUpdated)
	rec.Synced = synced == 1
	if syncedAt.Valid {
		at := time.UnixMilli(syncedAt.Int64)
		rec.SyncedAt = &at
	}
	return &rec, nil
}

func validateRecord(rec *models.Record) error {
	if rec == nil || rec.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record id is required")
	}
	if len(rec.Payload) == 0 || !json.Valid(rec.Payload) {
		return apperrors.Newf(apperrors.ErrInvalid, "record %s payload is not valid JSON", rec.ID)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
