package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/httputil"
)

// ProviderStripe is the only webhook provider served
const ProviderStripe = "stripe"

// WebhookHandlers routes processor deliveries to the intake
type WebhookHandlers struct {
	intake http.Handler
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/{provider}", h.Receive).Methods(http.MethodPost)
}

// Receive hands a delivery to the intake, which owns verification, the
// response body and the status code
func (h *WebhookHandlers) Receive(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["provider"] != ProviderStripe || h.intake == nil {
		httputil.WriteNotFound(w, r, "unknown webhook provider")
		return
	}
	h.intake.ServeHTTP(w, r)
}
