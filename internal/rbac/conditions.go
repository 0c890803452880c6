package rbac

import (
	"context"
	"log/slog"
	"time"
)

// BusinessFinder resolves a business to its owner. Used only by the
// ownership condition.
type BusinessFinder interface {
	FindBusinessOwner(ctx context.Context, businessID string) (string, error)
}

// Recognized condition keys.
const (
	conditionOwner            = "owner"
	conditionMinLevel         = "minLevel"
	conditionTimeRestrictions = "timeRestrictions"
)

// conditionEvaluator resolves attribute-based conditions attached to a
// matched permission. It fails closed: an ownership lookup error, a missing
// ownership context, or an unexpected panic all resolve to deny. The single
// fail-open case is an unparseable time bound, which is logged and treated
// as no restriction.
type conditionEvaluator struct {
	businesses BusinessFinder
	logger     *slog.Logger
	now        func() time.Time
}

// allow decides whether the request context satisfies the permission's
// conditions. No conditions and unrecognized condition keys both allow: the
// coarse resource:action match has already passed.
func (e *conditionEvaluator) allow(ctx context.Context, conditions map[string]any, reqCtx map[string]any, up *UserPermissions) (allowed bool) {
	if len(conditions) == 0 {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("condition evaluation panicked", slog.Any("panic", r))
			allowed = false
		}
	}()

	if owner, ok := conditions[conditionOwner].(bool); ok && owner {
		return e.allowOwner(ctx, reqCtx, up)
	}
	if raw, ok := conditions[conditionMinLevel]; ok {
		return up.EffectiveLevel >= coerceLevel(raw)
	}
	if raw, ok := conditions[conditionTimeRestrictions].(map[string]any); ok {
		return e.allowTimeWindow(raw)
	}
	return true
}

func (e *conditionEvaluator) allowOwner(ctx context.Context, reqCtx map[string]any, up *UserPermissions) bool {
	if ownerID, ok := reqCtx["ownerId"].(string); ok && ownerID != "" {
		return ownerID == up.UserID
	}
	businessID, ok := reqCtx["businessId"].(string)
	if !ok || businessID == "" {
		return false
	}
	ownerID, err := e.businesses.FindBusinessOwner(ctx, businessID)
	if err != nil {
		e.logger.Warn("ownership lookup failed",
			slog.String("business_id", businessID),
			slog.String("user_id", up.UserID),
			slog.Any("error", err))
		return false
	}
	return ownerID == up.UserID
}

func (e *conditionEvaluator) allowTimeWindow(restrictions map[string]any) bool {
	now := e.now()
	if start, ok := e.parseBound(restrictions, "startTime"); ok && now.Before(start) {
		return false
	}
	if end, ok := e.parseBound(restrictions, "endTime"); ok && now.After(end) {
		return false
	}
	return true
}

// parseBound extracts a time bound. A missing bound or an unparseable value
// means no restriction on that side; the malformed case is logged.
func (e *conditionEvaluator) parseBound(restrictions map[string]any, key string) (time.Time, bool) {
	raw, ok := restrictions[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	e.logger.Warn("ignoring unparseable time restriction",
		slog.String("bound", key),
		slog.String("value", raw))
	return time.Time{}, false
}
