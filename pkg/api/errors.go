package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/checkout"
	"github.com/platinummonkey/subledger/pkg/compensation"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, checkout.ErrCheckoutExpired):
		return http.StatusGone
	case errors.Is(err, checkout.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, compensation.ErrItemNotFound):
		return http.StatusNotFound
	}

	switch billing.KindOf(err) {
	case billing.KindValidation:
		return http.StatusBadRequest
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindTransient:
		return http.StatusServiceUnavailable
	case billing.KindCompensated:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError replies with the caller-safe message of err. Unclassified
// errors are logged and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		httputil.WriteInternalError(w, r, err)
		return
	}

	message := billing.PublicMessage(err)
	switch {
	case errors.Is(err, checkout.ErrCheckoutExpired), errors.Is(err, checkout.ErrAlreadyClaimed), errors.Is(err, compensation.ErrItemNotFound):
		message = err.Error()
	}

	kind := billing.KindOf(err).String()
	switch status {
	case http.StatusGone:
		kind = "expired"
	case http.StatusConflict:
		kind = billing.KindConflict.String()
	case http.StatusNotFound:
		kind = billing.KindNotFound.String()
	}

	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).WithField("status", status).Error("Request failed")
	}
	httputil.WriteErrorMessage(w, r, status, kind, message)
}
