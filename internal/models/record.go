// Package models provides data model definitions for the Stockroom offline store.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names a table in the local store.
type Collection string

const (
	CollectionSales     Collection = "offline_sales"
	CollectionInventory Collection = "offline_inventory_updates"
	CollectionCustomers Collection = "cached_customers"
	CollectionProducts  Collection = "cached_products"
	CollectionSettings  Collection = "settings"
)

// AllCollections returns every collection in the store.
func AllCollections() []Collection {
	return []Collection{
		CollectionSales,
		CollectionInventory,
		CollectionCustomers,
		CollectionProducts,
		CollectionSettings,
	}
}

// SyncCollections returns the collections that carry the synced flag.
func SyncCollections() []Collection {
	return []Collection{CollectionSales, CollectionInventory}
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range AllCollections() {
		if c == known {
			return true
		}
	}
	return false
}

// Syncable reports whether records in c are pushed to the remote system.
func (c Collection) Syncable() bool {
	return c == CollectionSales || c == CollectionInventory
}

// Record is the envelope shared by every stored entity.
//
// Payload is immutable once inserted into a sync-bearing collection; only
// Synced, SyncedAt, LastUpdated, Attempts and LastError change afterwards.
type Record struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"` // epoch millis, set on insert
	Synced      bool            `json:"synced"`
	SyncedAt    *time.Time      `json:"syncedAt,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Attempts    int             `json:"attempts,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// NewRecord marshals payload into a fresh envelope.
func NewRecord(id string, payload interface{}) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("record id is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Record{ID: id, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("record %q has no payload", r.ID)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %q: %w", r.ID, err)
	}
	return nil
}

// CreatedAt returns Timestamp as time.Time.
func (r *Record) CreatedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// CollectionStats counts records in one collection.
type CollectionStats struct {
	Total    int `json:"total"`
	Unsynced int `json:"unsynced"`
}

// Stats holds per-collection counts.
type Stats struct {
	Sales     CollectionStats `json:"sales"`
	Inventory CollectionStats `json:"inventory"`
	Customers CollectionStats `json:"customers"`
	Products  CollectionStats `json:"products"`
	Settings  CollectionStats `json:"settings"`
}

// For returns the counters of collection c, or nil for unknown collections.
func (s *Stats) For(c Collection) *CollectionStats {
	switch c {
	case CollectionSales:
		return &s.Sales
	case CollectionInventory:
		return &s.Inventory
	case CollectionCustomers:
		return &s.Customers
	case CollectionProducts:
		return &s.Products
	case CollectionSettings:
		return &s.Settings
	}
	return nil
}

// TotalUnsynced sums unsynced records of the sync-bearing collections.
func (s *Stats) TotalUnsynced() int {
	return s.Sales.Unsynced + s.Inventory.Unsynced
}

// Setting is a process-wide local configuration value.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
