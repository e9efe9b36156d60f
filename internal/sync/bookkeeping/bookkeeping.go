// Package bookkeeping answers which queued records still need to reach the remote system.
// It only reads from the store.
package bookkeeping

import (
	"context"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// Reader is the subset of the local store bookkeeping needs.
type Reader interface {
	FindByIndex(ctx context.Context, c models.Collection, index string, value interface{}) ([]*models.Record, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// Item is an unsynced record together with the collection it lives in.
type Item struct {
	Collection models.Collection
	Record     *models.Record
}

// Summary lists the unsynced records of both queue collections.
type Summary struct {
	Sales         []*models.Record `json:"sales"`
	Inventory     []*models.Record `json:"inventory"`
	TotalUnsynced int              `json:"totalUnsynced"`
}

// Bookkeeper computes unsynced sets and counts.
type Bookkeeper struct {
	store Reader
}

// New creates a Bookkeeper over store.
func New(store Reader) *Bookkeeper {
	return &Bookkeeper{store: store}
}

// GetUnsynced returns the records of c with synced = false.
func (b *Bookkeeper) GetUnsynced(ctx context.Context, c models.Collection) ([]*models.Record, error) {
	if !c.Syncable() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "collection %s is not synced", c)
	}
	recs, err := b.store.FindByIndex(ctx, c, "synced", false)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	return recs, nil
}

// GetUnsyncedSummary returns the unsynced sales and inventory updates.
func (b *Bookkeeper) GetUnsyncedSummary(ctx context.Context) (*Summary, error) {
	sales, err := b.GetUnsynced(ctx, models.CollectionSales)
	if err != nil {
		return nil, err
	}
	inventory, err := b.GetUnsynced(ctx, models.CollectionInventory)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Sales:         sales,
		Inventory:     inventory,
		TotalUnsynced: len(sales) + len(inventory),
	}, nil
}

// Unsynced returns the in-scope unsynced records for a pass of type t.
func (b *Bookkeeper) Unsynced(ctx context.Context, t models.SyncType) ([]Item, error) {
	collections := t.Collections()
	if collections == nil {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown sync type %q", t)
	}

	var items []Item
	for _, c := range collections {
		recs, err := b.GetUnsynced(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			items = append(items, Item{Collection: c, Record: rec})
		}
	}
	return items, nil
}

// Stats returns per-collection totals and unsynced counts.
func (b *Bookkeeper) Stats(ctx context.Context) (models.Stats, error) {
	return b.store.Stats(ctx)
}

// TotalUnsynced returns the number of records still waiting for the remote system.
func (b *Bookkeeper) TotalUnsynced(ctx context.Context) (int, error) {
	stats, err := b.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.TotalUnsynced(), nil
}
