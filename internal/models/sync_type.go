package models

import (
	"fmt"
	"time"
)

// SyncType selects which collections a sync pass covers.
type SyncType string

const (
	SyncSales     SyncType = "sales"
	SyncInventory SyncType = "inventory"
	SyncAll       SyncType = "all"
)

// ParseSyncType validates s. An empty string means SyncAll.
func ParseSyncType(s string) (SyncType, error) {
	switch SyncType(s) {
	case "":
		return SyncAll, nil
	case SyncSales, SyncInventory, SyncAll:
		return SyncType(s), nil
	}
	return "", fmt.Errorf("unknown sync type %q", s)
}

// Collections returns the collections covered by t.
func (t SyncType) Collections() []Collection {
	switch t {
	case SyncSales:
		return []Collection{CollectionSales}
	case SyncInventory:
		return []Collection{CollectionInventory}
	case SyncAll:
		return SyncCollections()
	}
	return nil
}

// Covers reports whether a pass of type t also does the work of other.
func (t SyncType) Covers(other SyncType) bool {
	return t == other || t == SyncAll
}

// SyncTypeFor returns the narrowest sync type that covers collection c.
func SyncTypeFor(c Collection) SyncType {
	switch c {
	case CollectionSales:
		return SyncSales
	case CollectionInventory:
		return SyncInventory
	}
	return SyncAll
}

// SyncResult reports one sync pass.
type SyncResult struct {
	Type      SyncType          `json:"type"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Failures  map[string]string `json:"failures,omitempty"` // record id -> error
	StartTime time.Time         `json:"startTime"`
	EndTime   time.Time         `json:"endTime"`
	Duration  time.Duration     `json:"duration"`
}

// Attempted returns the number of records the pass looked at.
func (r *SyncResult) Attempted() int {
	return r.Succeeded + r.Failed + r.Skipped
}

// OK reports whether no record failed.
func (r *SyncResult) OK() bool {
	return r.Failed == 0
}
