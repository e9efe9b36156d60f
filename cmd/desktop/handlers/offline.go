// Package handlers provides REST API handlers for the offline queue and caches.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/services"
	syncpkg "github.com/kimhsiao/stockroom/backend/internal/sync"
	"github.com/kimhsiao/stockroom/backend/internal/sync/status"
)

const maxBodyBytes = 1 << 20

// StatusSource supplies the current sync status snapshot.
type StatusSource interface {
	Snapshot() status.Status
	Refresh(ctx context.Context) status.Status
}

// NetworkSource receives connectivity reports pushed by the UI.
type NetworkSource interface {
	IsOnline() bool
	Notify(online bool)
}

// ErrorSource supplies recent per-record submission failures.
type ErrorSource interface {
	GetErrorHistory() []syncpkg.SyncErrorEntry
}

// OfflineHandler handles the offline queue endpoints.
type OfflineHandler struct {
	offline *services.OfflineService
	catalog *services.CatalogService
	status  StatusSource
	network NetworkSource
	errors  ErrorSource
}

// NewOfflineHandler creates a new OfflineHandler. catalog and status may be nil.
func NewOfflineHandler(offline *services.OfflineService, catalog *services.CatalogService, status StatusSource) *OfflineHandler {
	return &OfflineHandler{offline: offline, catalog: catalog, status: status}
}

// SetNetwork sets the monitor that /api/network reports to.
func (h *OfflineHandler) SetNetwork(network NetworkSource) {
	h.network = network
}

// SetErrorSource sets where /api/offline/errors reads failures from.
func (h *OfflineHandler) SetErrorSource(src ErrorSource) {
	h.errors = src
}

// Register mounts the handler's routes on mux.
func (h *OfflineHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/offline/sales", h.AddSale)
	mux.HandleFunc("/api/offline/inventory", h.AddInventoryUpdate)
	mux.HandleFunc("/api/offline/summary", h.GetSummary)
	mux.HandleFunc("/api/offline/stats", h.GetStats)
	mux.HandleFunc("/api/offline/sync", h.Sync)
	mux.HandleFunc("/api/offline/status", h.GetStatus)
	mux.HandleFunc("/api/offline/products", h.ListProducts)
	mux.HandleFunc("/api/offline/customers", h.ListCustomers)
	mux.HandleFunc("/api/offline/errors", h.ListErrors)
	mux.HandleFunc("/api/network", h.Network)
}

type saleRequest struct {
	ID string `json:"id"`
	models.Sale
}

type inventoryRequest struct {
	ID string `json:"id"`
	models.InventoryUpdate
}

// AddSale handles POST /api/offline/sales
func (h *OfflineHandler) AddSale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req saleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.offline.AddOfflineSale(r.Context(), req.ID, &req.Sale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// AddInventoryUpdate handles POST /api/offline/inventory
func (h *OfflineHandler) AddInventoryUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req inventoryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.offline.AddOfflineInventoryUpdate(r.Context(), req.ID, &req.InventoryUpdate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetSummary handles GET /api/offline/summary
func (h *OfflineHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary, err := h.offline.GetUnsyncedSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetStats handles GET /api/offline/stats
func (h *OfflineHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.offline.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":         stats,
		"totalUnsynced": stats.TotalUnsynced(),
	})
}

// Sync handles POST /api/offline/sync?type=sales|inventory|all
// With wait=false the pass is only queued and 202 is returned. Otherwise the
// call waits for the result; a pass with failures answers 207.
func (h *OfflineHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t, err := models.ParseSyncType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid sync type", err))
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		if err := h.offline.TriggerManualSync(t); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"type":   t,
			"queued": true,
		})
		return
	}

	result, err := h.offline.SyncNow(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if result != nil && result.Failed > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, result)
}

// GetStatus handles GET /api/offline/status
// refresh=true recomputes the snapshot before answering.
func (h *OfflineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.status == nil {
		http.Error(w, "Status not available", http.StatusServiceUnavailable)
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		writeJSON(w, http.StatusOK, h.status.Refresh(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

// ListProducts handles GET /api/offline/products?category=
func (h *OfflineHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.catalog == nil {
		http.Error(w, "Catalog not available", http.StatusServiceUnavailable)
		return
	}

	var (
		products []models.Product
		err      error
	)
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		products, err = h.catalog.GetCachedProductsByCategory(r.Context(), category)
	} else {
		products, err = h.catalog.GetCachedProducts(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": products,
		"total": len(products),
	})
}

// ListCustomers handles GET /api/offline/customers?phone=
// With phone set it returns the single matching customer.
func (h *OfflineHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.catalog == nil {
		http.Error(w, "Catalog not available", http.StatusServiceUnavailable)
		return
	}

	if phone := r.URL.Query().Get("phone"); phone != "" {
		customer, err := h.catalog.FindCustomerByPhone(r.Context(), phone)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, customer)
		return
	}

	customers, err := h.catalog.GetCachedCustomers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": customers,
		"total": len(customers),
	})
}

// ListErrors handles GET /api/offline/errors
func (h *OfflineHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.errors == nil {
		http.Error(w, "Error history not available", http.StatusServiceUnavailable)
		return
	}

	history := h.errors.GetErrorHistory()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": history,
		"total": len(history),
	})
}

type networkRequest struct {
	Online *bool `json:"online"`
}

// Network handles GET/POST /api/network
// POST {"online": bool} forwards a browser online/offline event to the monitor.
func (h *OfflineHandler) Network(w http.ResponseWriter, r *http.Request) {
	if h.network == nil {
		http.Error(w, "Network monitor not available", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req networkRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Online == nil {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
			return
		}
		h.network.Notify(*req.Online)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": h.network.IsOnline(),
	})
}

// =====================================================
// Helpers
// =====================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// StatusCode maps an error code to the HTTP status returned to the UI.
func StatusCode(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDuplicate:
		return http.StatusConflict
	case apperrors.ErrStorage, apperrors.ErrMigration, apperrors.ErrSchedulerNotRunning:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(apperrors.CodeOf(err)), err)
	}
	writeJSON(w, code, map[string]interface{}{
		"code":  apperrors.CodeOf(err),
		"error": err.Error(),
	})
}
