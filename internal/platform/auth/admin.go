package auth

import (
	"net/http"
	"strings"

	"github.com/example/learnsync/internal/platform/api"
	"github.com/example/learnsync/internal/platform/httpserver"
)

const RoleAdmin = "admin"

// RequireRole must be mounted after RequireUser. Roles compare
// case-insensitively.
func RequireRole(role string) func(http.Handler) http.Handler {
	want := strings.ToLower(strings.TrimSpace(role))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ := RoleFromContext(r.Context())
			if want == "" || strings.ToLower(strings.TrimSpace(got)) != want {
				api.Forbidden(w, "FORBIDDEN", want+" role required", httpserver.RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin guards operator endpoints such as another user's sync log.
var RequireAdmin = RequireRole(RoleAdmin)
