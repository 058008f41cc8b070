package middleware

import (
	"net/http"
	"regexp"

	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// OrganizationHeader carries the tenant of an API call. It is set by the
// gateway in front of the service after it authenticated the caller.
const OrganizationHeader = "X-Organization-ID"

var organizationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// TenantMiddleware requires an organization on every request and scopes the
// request context and logger to it
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(OrganizationHeader)
		if orgID == "" {
			httputil.WriteErrorMessage(w, r, http.StatusUnauthorized, "unauthorized", "missing organization")
			return
		}
		if !organizationIDPattern.MatchString(orgID) {
			httputil.WriteBadRequest(w, r, "invalid organization id")
			return
		}

		ctx := observability.WithOrganizationID(r.Context(), orgID)
		logger := observability.FromContext(ctx).WithField("organization_id", orgID)
		ctx = observability.WithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OrganizationID returns the tenant resolved by TenantMiddleware
func OrganizationID(r *http.Request) string {
	return observability.GetOrganizationID(r.Context())
}
