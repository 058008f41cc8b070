package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/middleware"
)

// CustomerHandlers writes customers and resyncs their entitlements
type CustomerHandlers struct {
	customers    Customers
	entitlements EntitlementResyncer
}

// RegisterRoutes registers customer routes
func (h *CustomerHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/customers", h.Upsert).Methods(http.MethodPut)
	router.HandleFunc("/customers/{id}", h.Delete).Methods(http.MethodDelete)
	router.HandleFunc("/customers/{id}/entitlements/resync", h.Resync).Methods(http.MethodPost)
}

// Upsert creates or updates a customer by external id or email
func (h *CustomerHandlers) Upsert(w http.ResponseWriter, r *http.Request) {
	var req billing.UpsertCustomerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !scopeOrganization(w, r, &req.OrganizationID) {
		return
	}

	customer, created, err := h.customers.Upsert(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if created {
		httputil.WriteCreated(w, customer)
		return
	}
	httputil.WriteSuccess(w, customer)
}

// Delete soft-deletes a customer
func (h *CustomerHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.customers.SoftDelete(r.Context(), middleware.OrganizationID(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resync reconciles the customer's grants with the processor
func (h *CustomerHandlers) Resync(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	result, err := h.entitlements.ResyncEntitlements(r.Context(), middleware.OrganizationID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}
