package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// loader turns raw repository rows into a validated UserPermissions snapshot.
// Every field on a raw row is treated as untrusted: strings are coerced,
// levels are clamped to non-negative integers, and malformed rows are
// discarded rather than propagated.
type loader struct {
	repo   Repository
	logger *slog.Logger
}

func (l *loader) load(ctx context.Context, userID string) (*UserPermissions, error) {
	raw, err := l.repo.GetUserRolesWithPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: load user roles: %w", err)
	}
	if len(raw.Roles) == 0 {
		return emptySnapshot(userID), nil
	}

	roles := make([]Role, 0, len(raw.Roles))
	for _, row := range raw.Roles {
		if !row.IsActive {
			continue
		}
		role := Role{
			ID:          coerceString(row.ID),
			Name:        coerceString(row.Name),
			DisplayName: coerceString(row.DisplayName),
			Level:       coerceLevel(row.Level),
		}
		if role.ID == "" || role.Name == "" {
			l.logger.Warn("discarding malformed role row", slog.String("user_id", userID))
			continue
		}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return emptySnapshot(userID), nil
	}

	// Deduplicate permissions by resource:action:name, first occurrence wins.
	permsByID := make(map[string]Permission, len(raw.Permissions))
	seen := make(map[string]struct{}, len(raw.Permissions))
	deduped := make([]Permission, 0, len(raw.Permissions))
	for _, row := range raw.Permissions {
		// Resource and action are lowercased so checks, which normalize
		// their inputs the same way, can match regardless of row casing.
		perm := Permission{
			ID:       coerceString(row.ID),
			Name:     coerceString(row.Name),
			Resource: strings.ToLower(coerceString(row.Resource)),
			Action:   strings.ToLower(coerceString(row.Action)),
		}
		if perm.ID == "" || perm.Name == "" || perm.Resource == "" || perm.Action == "" {
			l.logger.Warn("discarding malformed permission row", slog.String("user_id", userID))
			continue
		}
		perm.Conditions = parseConditions(row.Conditions, l.logger)
		permsByID[perm.ID] = perm
		if _, dup := seen[perm.Key()]; dup {
			continue
		}
		seen[perm.Key()] = struct{}{}
		deduped = append(deduped, perm)
	}

	// Attach permissions to roles through the link pairs, ignoring links to
	// unknown permissions.
	byRole := make(map[string][]Permission, len(roles))
	for _, link := range raw.RolePermissions {
		roleID := coerceString(link.RoleID)
		permID := coerceString(link.PermissionID)
		perm, ok := permsByID[permID]
		if !ok {
			continue
		}
		byRole[roleID] = append(byRole[roleID], perm)
	}

	effectiveLevel := 0
	for i := range roles {
		roles[i].Permissions = byRole[roles[i].ID]
		if roles[i].Level > effectiveLevel {
			effectiveLevel = roles[i].Level
		}
	}

	return &UserPermissions{
		UserID:         userID,
		Roles:          roles,
		Permissions:    deduped,
		EffectiveLevel: effectiveLevel,
	}, nil
}

func emptySnapshot(userID string) *UserPermissions {
	return &UserPermissions{
		UserID:      userID,
		Roles:       []Role{},
		Permissions: []Permission{},
	}
}

func parseConditions(raw []byte, logger *slog.Logger) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var conditions map[string]any
	if err := json.Unmarshal(raw, &conditions); err != nil {
		if logger != nil {
			logger.Warn("discarding malformed permission conditions", slog.Any("error", err))
		}
		return nil
	}
	if len(conditions) == 0 {
		return nil
	}
	return conditions
}

// coerceString stringifies an untrusted row field. Nil and whitespace-only
// values come back empty so callers can discard the row.
func coerceString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case []byte:
		return strings.TrimSpace(string(value))
	case fmt.Stringer:
		return strings.TrimSpace(value.String())
	case int64:
		return strconv.FormatInt(value, 10)
	case int:
		return strconv.Itoa(value)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", value))
	}
}

// coerceLevel interprets an untrusted level field as a non-negative integer,
// defaulting to 0 on failure.
func coerceLevel(v any) int {
	var level int
	switch value := v.(type) {
	case int:
		level = value
	case int16:
		level = int(value)
	case int32:
		level = int(value)
	case int64:
		level = int(value)
	case float64:
		level = int(value)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0
		}
		level = parsed
	default:
		return 0
	}
	if level < 0 {
		return 0
	}
	return level
}
