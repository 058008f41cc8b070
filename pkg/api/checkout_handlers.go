package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/checkout"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/middleware"
)

// CheckoutHandlers begins checkouts and exposes their state
type CheckoutHandlers struct {
	checkouts Checkouts
}

// RegisterRoutes registers checkout routes
func (h *CheckoutHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/checkout", h.Start).Methods(http.MethodPost)
	router.HandleFunc("/checkout/{id}", h.Get).Methods(http.MethodGet)
}

// Start records checkout metadata and opens a hosted session
func (h *CheckoutHandlers) Start(w http.ResponseWriter, r *http.Request) {
	var req checkout.StartRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !scopeOrganization(w, r, &req.OrganizationID) {
		return
	}

	result, err := h.checkouts.Start(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, result)
}

// Get returns checkout metadata of the caller's organization
func (h *CheckoutHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	m, err := h.checkouts.Get(r.Context(), middleware.OrganizationID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

// scopeOrganization fills an omitted organization from the request and
// rejects a body naming a different one
func scopeOrganization(w http.ResponseWriter, r *http.Request, organizationID *string) bool {
	orgID := middleware.OrganizationID(r)
	if *organizationID != "" && *organizationID != orgID {
		httputil.WriteBadRequest(w, r, "organization_id does not match the authenticated organization")
		return false
	}
	*organizationID = orgID
	return true
}
