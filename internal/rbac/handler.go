package rbac

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/slotbook/slotbook/internal/platform/httpx"
	"github.com/slotbook/slotbook/internal/shared"
)

// Handler exposes the administrative RBAC API: role grants, effective
// permission inspection, and cache controls.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		rbac:      mw,
	}
}

// MountRoutes registers the RBAC admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView))
		r.Get("/users/{userID}/permissions", h.getUserPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesAssign))
		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.revokeRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireMinLevel(h.service.cfg.AdminLevel))
		r.Get("/cache/stats", h.cacheStats)
		r.Post("/cache/clear", h.clearCache)
	})
}

type userPermissionsResponse struct {
	UserID         string   `json:"userId"`
	Roles          []Role   `json:"roles"`
	Permissions    []string `json:"permissions"`
	EffectiveLevel int      `json:"effectiveLevel"`
}

func (h *Handler) getUserPermissions(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.GetUserPermissions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	scopes := make([]string, len(snapshot.Permissions))
	for i, perm := range snapshot.Permissions {
		scopes[i] = perm.Resource + ":" + perm.Action
	}
	httpx.JSON(w, http.StatusOK, userPermissionsResponse{
		UserID:         snapshot.UserID,
		Roles:          snapshot.Roles,
		Permissions:    scopes,
		EffectiveLevel: snapshot.EffectiveLevel,
	})
}

type assignRoleRequest struct {
	Role      string         `json:"role" validate:"required,max=64"`
	ExpiresAt *time.Time     `json:"expiresAt"`
	Metadata  map[string]any `json:"metadata"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	grantedBy := shared.ActorFromContext(r.Context())
	err := h.service.AssignRole(r.Context(), chi.URLParam(r, "userID"), req.Role, grantedBy, req.ExpiresAt, req.Metadata)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	revokedBy := shared.ActorFromContext(r.Context())
	err := h.service.RevokeRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"), revokedBy)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.Stats())
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAllCache()
	h.logger.Info("permission cache cleared", slog.String("actor", shared.ActorFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}
