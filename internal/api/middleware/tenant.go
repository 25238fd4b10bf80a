package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/haywardsec/rulegate/internal/validation"
)

type contextKey string

const tenantContextKey contextKey = "tenant_id"

// DefaultTenant is used when a request carries no X-Tenant-ID header.
const DefaultTenant = "default"

// Tenant scopes the request to the tenant named by the X-Tenant-ID header.
// A missing header falls back to DefaultTenant; a malformed one is rejected
// before any handler runs.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			tenantID = DefaultTenant
		} else if err := validation.TenantID(tenantID); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":{"code":"VALIDATION_ERROR","message":%q,"field":"X-Tenant-ID"}}`, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFromContext retrieves the tenant id set by the Tenant middleware.
func TenantFromContext(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantContextKey).(string)
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}
