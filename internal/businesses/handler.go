package businesses

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/slotbook/slotbook/internal/platform/httpx"
	"github.com/slotbook/slotbook/internal/rbac"
	"github.com/slotbook/slotbook/internal/shared"
)

// Directory is the lookup surface the handler needs. Repository satisfies it.
type Directory interface {
	FindByID(ctx context.Context, businessID string) (*Business, error)
	ListStaffUserIDs(ctx context.Context, businessID string) ([]string, error)
}

// Handler exposes read-only business endpoints on the admin surface.
type Handler struct {
	logger    *slog.Logger
	directory Directory
	rbac      rbac.Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, directory Directory, mw rbac.Middleware) *Handler {
	return &Handler{logger: logger, directory: directory, rbac: mw}
}

// MountRoutes registers the business admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermBusinessesView))
		r.Get("/{businessID}", h.getBusiness)
	})
}

type businessResponse struct {
	ID           string   `json:"id"`
	OwnerID      string   `json:"ownerId"`
	Name         string   `json:"name"`
	Timezone     string   `json:"timezone"`
	StaffUserIDs []string `json:"staffUserIds"`
}

func (h *Handler) getBusiness(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	business, err := h.directory.FindByID(r.Context(), businessID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	staff, err := h.directory.ListStaffUserIDs(r.Context(), businessID)
	if err != nil {
		h.logger.Error("list business staff", slog.String("business_id", businessID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, businessResponse{
		ID:           business.ID,
		OwnerID:      business.OwnerID,
		Name:         business.Name,
		Timezone:     business.Timezone,
		StaffUserIDs: staff,
	})
}
