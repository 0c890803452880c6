package rbac

import (
	"regexp"
	"strings"

	"github.com/slotbook/slotbook/internal/shared"
)

// Identifier constraints. Everything crossing the facade boundary is matched
// against these before any lookup happens.
var (
	userIDPattern    = regexp.MustCompile(`^[A-Za-z0-9_.@:-]{1,128}$`)
	roleNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	scopePartPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
)

func validateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return shared.NewValidation("userId", "must be 1-128 characters of letters, digits, or _.@:-")
	}
	return nil
}

func validateRoleName(name string) error {
	if !roleNamePattern.MatchString(name) {
		return shared.NewValidation("roleName", "must be 1-64 characters of letters, digits, or _.-")
	}
	return nil
}

func validateScopePart(field, value string) error {
	if !scopePartPattern.MatchString(value) {
		return shared.NewValidation(field, "must be 1-64 lowercase characters of letters, digits, or _-")
	}
	return nil
}

// splitPermission parses a "resource:action" string. Exactly one colon is
// accepted; both halves are lowercased and validated.
func splitPermission(perm string) (resource, action string, err error) {
	parts := strings.Split(perm, ":")
	if len(parts) != 2 {
		return "", "", shared.NewValidation("permission", "must be in resource:action format")
	}
	resource = strings.ToLower(strings.TrimSpace(parts[0]))
	action = strings.ToLower(strings.TrimSpace(parts[1]))
	if err := validateScopePart("resource", resource); err != nil {
		return "", "", err
	}
	if err := validateScopePart("action", action); err != nil {
		return "", "", err
	}
	return resource, action, nil
}
