package rbac

import (
	"errors"
	"net/http"
	"strings"

	"log/slog"

	"github.com/slotbook/slotbook/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers. The actor
// is taken from the request context; upstream authentication puts it there.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequirePermission ensures the current user holds the given
// "resource:action" permission.
func (m Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			err := m.Service.RequirePermission(r.Context(), userID, permission, nil)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			var forbidden *shared.ForbiddenError
			if errors.As(err, &forbidden) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Logger != nil {
				m.Logger.Error("rbac require permission", slog.Any("error", err))
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		})
	}
}

// RequireAny ensures the current user holds at least one of the required
// permissions. An empty list allows everyone through.
func (m Middleware) RequireAny(permissions ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(permissions)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Service.HasAnyPermission(r.Context(), userID, normalized...) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireMinLevel ensures the current user's effective level meets the
// threshold.
func (m Middleware) RequireMinLevel(minLevel int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			err := m.Service.RequireMinLevel(r.Context(), userID, minLevel)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			var forbidden *shared.ForbiddenError
			if errors.As(err, &forbidden) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if m.Logger != nil {
				m.Logger.Error("rbac require min level", slog.Any("error", err))
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		})
	}
}

func (m Middleware) currentUserID(r *http.Request) (string, bool) {
	userID := strings.TrimSpace(shared.ActorFromContext(r.Context()))
	if userID == "" {
		return "", false
	}
	return userID, true
}

func normalizePermissions(permissions []string) []string {
	unique := make(map[string]struct{}, len(permissions))
	normalized := make([]string, 0, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
