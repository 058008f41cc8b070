package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/httputil"
)

// ReconciliationHandlers exposes the reconciliation queue to operators
type ReconciliationHandlers struct {
	queue Reconciliation
}

// RegisterRoutes registers reconciliation routes under the /reconciliation prefix
func (h *ReconciliationHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("", h.List).Methods(http.MethodGet)
	router.HandleFunc("/{id}/resolve", h.Resolve).Methods(http.MethodPost)
}

// ResolveRequest closes an item
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// List returns items by status, highest priority first
func (h *ReconciliationHandlers) List(w http.ResponseWriter, r *http.Request) {
	status := compensation.ItemStatus(httputil.ParseQueryString(r, "status", string(compensation.ItemStatusOpen)))
	if status != compensation.ItemStatusOpen && status != compensation.ItemStatusResolved {
		httputil.WriteBadRequest(w, r, "status must be open or resolved")
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil || limit < 1 || limit > 500 {
		httputil.WriteBadRequest(w, r, "limit must be between 1 and 500")
		return
	}

	items, err := h.queue.List(r.Context(), compensation.ListFilter{Status: status, Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*compensation.Item{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// Resolve closes an open item with a resolution note
func (h *ReconciliationHandlers) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req ResolveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Resolution = strings.TrimSpace(req.Resolution)
	if req.Resolution == "" {
		httputil.WriteBadRequest(w, r, "resolution is required")
		return
	}

	if err := h.queue.Resolve(r.Context(), id, req.Resolution); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
