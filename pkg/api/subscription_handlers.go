package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/middleware"
	"github.com/platinummonkey/subledger/pkg/planchange"
)

// SubscriptionHandlers serves plan change previews and changes
type SubscriptionHandlers struct {
	changes PlanChanger
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/subscriptions/{id}/change/preview", h.PreviewChange).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/{id}/change", h.ChangePlan).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/{id}/changes", h.History).Methods(http.MethodGet)
}

// ChangePlanRequest is the body of both plan change endpoints
type ChangePlanRequest struct {
	TargetPriceID   string            `json:"target_price_id"`
	Timing          planchange.Timing `json:"timing,omitempty"`
	ConfirmedAmount *int64            `json:"confirmed_amount,omitempty"`
}

func (h *SubscriptionHandlers) request(w http.ResponseWriter, r *http.Request) (planchange.Request, bool) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return planchange.Request{}, false
	}
	var body ChangePlanRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return planchange.Request{}, false
	}
	return planchange.Request{
		OrganizationID:  middleware.OrganizationID(r),
		SubscriptionID:  id,
		TargetPriceID:   body.TargetPriceID,
		Timing:          body.Timing,
		ConfirmedAmount: body.ConfirmedAmount,
	}, true
}

// PreviewChange quotes a plan change without side effects
func (h *SubscriptionHandlers) PreviewChange(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	preview, err := h.changes.Preview(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, preview)
}

// ChangePlan executes or schedules a plan change
func (h *SubscriptionHandlers) ChangePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	result, err := h.changes.ChangePlan(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.Change != nil && result.Change.Status == planchange.StatusScheduled {
		httputil.WriteJSON(w, http.StatusAccepted, result)
		return
	}
	httputil.WriteSuccess(w, result)
}

// History lists the plan changes of a subscription, newest first
func (h *SubscriptionHandlers) History(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	changes, err := h.changes.History(r.Context(), middleware.OrganizationID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if changes == nil {
		changes = []*planchange.Change{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"changes": changes,
		"count":   len(changes),
	})
}
