// Package handlers tests for the offline REST API endpoints.
// These tests verify HTTP request handling, status codes, and responses.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kimhsiao/stockroom/backend/internal/db"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/services"
	syncpkg "github.com/kimhsiao/stockroom/backend/internal/sync"
	"github.com/kimhsiao/stockroom/backend/internal/sync/queue"
	"github.com/kimhsiao/stockroom/backend/internal/sync/status"
)

type stubScheduler struct {
	requested []models.SyncType
	result    *models.SyncResult
	err       error
}

func (s *stubScheduler) RequestSync(ctx context.Context, t models.SyncType) error {
	s.requested = append(s.requested, t)
	return nil
}

func (s *stubScheduler) TriggerManualSync(t models.SyncType) (*queue.Request, error) {
	return nil, s.err
}

func (s *stubScheduler) SyncNow(ctx context.Context, t models.SyncType) (*models.SyncResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &models.SyncResult{Type: t}, nil
}

type stubNetwork struct {
	online  bool
	reports []bool
}

func (n *stubNetwork) IsOnline() bool { return n.online }

func (n *stubNetwork) Notify(online bool) {
	n.reports = append(n.reports, online)
	n.online = online
}

type stubErrors []syncpkg.SyncErrorEntry

func (e stubErrors) GetErrorHistory() []syncpkg.SyncErrorEntry { return e }

type testEnv struct {
	handler *OfflineHandler
	store   *db.Store
	sched   *stubScheduler
	catalog *services.CatalogService
	mux     *http.ServeMux
}

// setupTestEnv creates an in-memory store and the handler under test
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	store := db.NewStore(conn.DB)
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched := &stubScheduler{}
	offline := services.NewOfflineService(store, sched)
	catalog := services.NewCatalogService(store, nil, 0)
	surface := status.NewSurface(status.Options{
		Stats:  store,
		Online: func() bool { return true },
	})

	mux := http.NewServeMux()
	handler := NewOfflineHandler(offline, catalog, surface)
	handler.Register(mux)
	return &testEnv{handler: handler, store: store, sched: sched, catalog: catalog, mux: mux}
}

func (e *testEnv) do(method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestAddSale(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(http.MethodPost, "/api/offline/sales", map[string]interface{}{
		"id":    "sale-1",
		"total": "500",
		"items": []map[string]interface{}{{"productId": "p1", "quantity": "2", "unitPrice": "250"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var got models.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.ID != "sale-1" || got.Synced {
		t.Errorf("record = %+v, want unsynced sale-1", got)
	}

	var sale models.Sale
	if err := got.Decode(&sale); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !sale.Total.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Total = %s, want 500", sale.Total)
	}
	if len(env.sched.requested) != 1 || env.sched.requested[0] != models.SyncSales {
		t.Errorf("requested = %v, want [sales]", env.sched.requested)
	}
}

func TestAddSale_errors(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name   string
		method string
		body   interface{}
		want   int
	}{
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{not json", http.StatusBadRequest},
		{"negative total", http.MethodPost, map[string]interface{}{"total": "-1"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, "/api/offline/sales", tt.body)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}

	body := map[string]interface{}{"id": "dup", "total": "1"}
	env.do(http.MethodPost, "/api/offline/sales", body)
	rec := env.do(http.MethodPost, "/api/offline/sales", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: expected status 409, got %d", rec.Code)
	}
}

func TestAddInventoryUpdate(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(http.MethodPost, "/api/offline/inventory", map[string]interface{}{
		"productId":     "p1",
		"quantityDelta": "-3",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodPost, "/api/offline/inventory", map[string]interface{}{"productId": "p1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero delta: expected status 400, got %d", rec.Code)
	}
}

func TestGetSummaryAndStats(t *testing.T) {
	env := setupTestEnv(t)
	env.do(http.MethodPost, "/api/offline/sales", map[string]interface{}{"id": "s1", "total": "1"})
	env.do(http.MethodPost, "/api/offline/sales", map[string]interface{}{"id": "s2", "total": "2"})

	rec := env.do(http.MethodGet, "/api/offline/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var summary struct {
		Sales         []models.Record `json:"sales"`
		Inventory     []models.Record `json:"inventory"`
		TotalUnsynced int             `json:"totalUnsynced"`
	}
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary.TotalUnsynced != 2 || len(summary.Sales) != 2 || len(summary.Inventory) != 0 {
		t.Errorf("summary = %+v", summary)
	}

	rec = env.do(http.MethodGet, "/api/offline/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var stats struct {
		TotalUnsynced int `json:"totalUnsynced"`
	}
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.TotalUnsynced != 2 {
		t.Errorf("totalUnsynced = %d, want 2", stats.TotalUnsynced)
	}
}

func TestSync(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(http.MethodPost, "/api/offline/sync?type=sales", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	env.sched.result = &models.SyncResult{Type: models.SyncAll, Succeeded: 1, Failed: 1,
		Failures: map[string]string{"s2": "remote returned 500"}}
	rec = env.do(http.MethodPost, "/api/offline/sync", nil)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("Expected status 207, got %d", rec.Code)
	}
	var result models.SyncResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Failed != 1 || result.Failures["s2"] == "" {
		t.Errorf("result = %+v", result)
	}

	rec = env.do(http.MethodPost, "/api/offline/sync?type=customers", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type: expected status 400, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/offline/sync?wait=false", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("queued: expected status 202, got %d", rec.Code)
	}

	env.sched.err = apperrors.New(apperrors.ErrSchedulerNotRunning, "stopped")
	rec = env.do(http.MethodPost, "/api/offline/sync", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped: expected status 503, got %d", rec.Code)
	}
}

func TestGetStatus(t *testing.T) {
	env := setupTestEnv(t)
	env.do(http.MethodPost, "/api/offline/sales", map[string]interface{}{"id": "s1", "total": "1"})

	rec := env.do(http.MethodGet, "/api/offline/status?refresh=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var st status.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !st.Online || st.TotalUnsynced != 1 || st.Stats.Sales.Unsynced != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.catalog.CacheProducts(ctx, []models.Product{
		{ID: "p1", Name: "Tea", Category: "drinks"},
		{ID: "p2", Name: "Bagel", Category: "bakery"},
	})
	env.catalog.CacheCustomers(ctx, []models.Customer{{ID: "c1", Name: "Ana", Phone: "555-0101"}})

	rec := env.do(http.MethodGet, "/api/offline/products", nil)
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if rec.Code != http.StatusOK || list.Total != 2 {
		t.Errorf("products: status %d total %d", rec.Code, list.Total)
	}

	rec = env.do(http.MethodGet, "/api/offline/products?category=drinks", nil)
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 1 {
		t.Errorf("drinks total = %d, want 1", list.Total)
	}

	rec = env.do(http.MethodGet, "/api/offline/customers?phone=555-0101", nil)
	var customer models.Customer
	json.Unmarshal(rec.Body.Bytes(), &customer)
	if rec.Code != http.StatusOK || customer.Name != "Ana" {
		t.Errorf("customer lookup: status %d, %+v", rec.Code, customer)
	}

	rec = env.do(http.MethodGet, "/api/offline/customers?phone=000", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown phone: expected status 404, got %d", rec.Code)
	}
}

func TestNetwork(t *testing.T) {
	env := setupTestEnv(t)

	if rec := env.do(http.MethodGet, "/api/network", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 without a monitor, got %d", rec.Code)
	}

	network := &stubNetwork{}
	env.handler.SetNetwork(network)

	rec := env.do(http.MethodPost, "/api/network", map[string]bool{"online": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Online bool `json:"online"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !got.Online {
		t.Error("online = false after pushing true")
	}

	env.do(http.MethodPost, "/api/network", map[string]bool{"online": false})
	if len(network.reports) != 2 || network.reports[0] != true || network.reports[1] != false {
		t.Errorf("reports = %v, want [true false]", network.reports)
	}

	rec = env.do(http.MethodGet, "/api/network", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Online {
		t.Error("GET reported online after pushing false")
	}
}

func TestNetwork_errors(t *testing.T) {
	env := setupTestEnv(t)
	network := &stubNetwork{}
	env.handler.SetNetwork(network)

	tests := []struct {
		name   string
		method string
		body   interface{}
		want   int
	}{
		{"missing online", http.MethodPost, map[string]interface{}{}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "{", http.StatusBadRequest},
		{"wrong type", http.MethodPost, map[string]interface{}{"online": "yes"}, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, "/api/network", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if len(network.reports) != 0 {
		t.Errorf("rejected requests reached the monitor: %v", network.reports)
	}
}

func TestListErrors(t *testing.T) {
	env := setupTestEnv(t)

	if rec := env.do(http.MethodGet, "/api/offline/errors", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 without an error source, got %d", rec.Code)
	}

	env.handler.SetErrorSource(stubErrors{
		{Timestamp: time.Now(), Collection: models.CollectionSales, RecordID: "sale-1", Error: "HTTP 500"},
		{Timestamp: time.Now(), Collection: models.CollectionInventory, RecordID: "inv-1", Error: "HTTP 422"},
	})

	rec := env.do(http.MethodGet, "/api/offline/errors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Items []syncpkg.SyncErrorEntry `json:"items"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.Total != 2 || len(got.Items) != 2 {
		t.Fatalf("got %d items (total %d), want 2", len(got.Items), got.Total)
	}
	if got.Items[0].RecordID != "sale-1" || got.Items[1].Error != "HTTP 422" {
		t.Errorf("items = %+v", got.Items)
	}

	if rec := env.do(http.MethodPost, "/api/offline/errors", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrInvalid, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrDuplicate, http.StatusConflict},
		{apperrors.ErrStorage, http.StatusServiceUnavailable},
		{apperrors.ErrSyncTimeout, http.StatusGatewayTimeout},
		{apperrors.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(apperrors.New(tt.code, "x")); got != tt.want {
			t.Errorf("StatusCode(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
