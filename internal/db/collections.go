package db

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// table describes how a collection maps onto its SQLite table.
type table struct {
	name       string
	idCol      string
	payloadCol string
	syncable   bool
	indexes    map[string]string // index name -> column
}

var tables = map[models.Collection]*table{
	models.CollectionSales: {
		name: "offline_sales", idCol: "id", payloadCol: "payload", syncable: true,
		indexes: map[string]string{
			"timestamp":   "timestamp",
			"customer_id": "customer_id",
			"synced":      "synced",
		},
	},
	models.CollectionInventory: {
		name: "offline_inventory_updates", idCol: "id", payloadCol: "payload", syncable: true,
		indexes: map[string]string{
			"product_id": "product_id",
			"timestamp":  "timestamp",
			"synced":     "synced",
		},
	},
	models.CollectionCustomers: {
		name: "cached_customers", idCol: "id", payloadCol: "payload",
		indexes: map[string]string{
			"phone":        "phone",
			"last_updated": "last_updated",
		},
	},
	models.CollectionProducts: {
		name: "cached_products", idCol: "id", payloadCol: "payload",
		indexes: map[string]string{
			"category":     "category",
			"brand":        "brand",
			"last_updated": "last_updated",
		},
	},
	models.CollectionSettings: {
		name: "settings", idCol: "key", payloadCol: "value",
		indexes: map[string]string{},
	},
}

func lookupTable(c models.Collection) (*table, error) {
	t, ok := tables[c]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	return t, nil
}

// columns lists the envelope columns in scan order.
func (t *table) columns() string {
	cols := []string{t.idCol, t.payloadCol, "timestamp", "last_updated"}
	if t.syncable {
		cols = append(cols, "synced", "synced_at", "attempts", "last_error")
	}
	return strings.Join(cols, ", ")
}

func (t *table) selectQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s", t.columns(), t.name)
}

func (t *table) getQuery() string {
	return fmt.Sprintf("%s WHERE %s = ?", t.selectQuery(), t.idCol)
}

func (t *table) insertQuery() string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s, %s, timestamp, last_updated) VALUES (?, ?, ?, ?) ON CONFLICT(%s) DO NOTHING",
		t.name, t.idCol, t.payloadCol, t.idCol)
}

// updateQuery never touches the payload or the failure counters of a queue
// record, never reverts synced, and writes synced_at only on the false to true
// transition. SET expressions see the pre-update row.
func (t *table) updateQuery() string {
	if t.syncable {
		return fmt.Sprintf(`UPDATE %s SET
			synced = MAX(synced, ?1),
			synced_at = CASE WHEN synced = 0 AND ?1 = 1 THEN ?2 ELSE synced_at END,
			last_updated = ?3
		WHERE %s = ?4`, t.name, t.idCol)
	}
	return fmt.Sprintf("UPDATE %s SET %s = ?1, last_updated = ?2 WHERE %s = ?3",
		t.name, t.payloadCol, t.idCol)
}

func (t *table) deleteQuery() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.name, t.idCol)
}

func (t *table) clearQuery() string {
	return "DELETE FROM " + t.name
}

func (t *table) statsQuery() string {
	if t.syncable {
		return fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0) FROM %s", t.name)
	}
	return fmt.Sprintf("SELECT COUNT(*), 0 FROM %s", t.name)
}

func (t *table) indexQuery(index string) (string, error) {
	col, ok := t.indexes[index]
	if !ok {
		return "", fmt.Errorf("collection %s has no index %q", t.name, index)
	}
	return fmt.Sprintf("%s WHERE %s = ?", t.selectQuery(), col), nil
}
