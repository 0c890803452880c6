package rbac

// Permission represents an atomic capability on a resource. Conditions, when
// present, narrow the grant further (ownership, minimum level, time window).
type Permission struct {
	ID         string
	Name       string
	Resource   string
	Action     string
	Conditions map[string]any
}

// Key returns the deduplication identity for a permission.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action + ":" + p.Name
}

// Role groups permissions under an authority level. Higher level means more
// authority.
type Role struct {
	ID          string
	Name        string
	DisplayName string
	Level       int
	Permissions []Permission
}

// UserPermissions is the snapshot assembled for a user at load time: the
// user's active roles, their deduplicated permissions, and the highest role
// level. It is never mutated after assembly; a changed permission set
// requires a fresh load.
type UserPermissions struct {
	UserID         string
	Roles          []Role
	Permissions    []Permission
	EffectiveLevel int
}

// HasRole reports whether the snapshot contains a role with the given name.
func (up *UserPermissions) HasRole(name string) bool {
	for _, r := range up.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// RoleRow is a raw role record as returned by the backing store. Fields are
// untrusted and coerced by the loader.
type RoleRow struct {
	ID          any
	Name        any
	DisplayName any
	Level       any
	IsActive    bool
}

// PermissionRow is a raw permission record as returned by the backing store.
type PermissionRow struct {
	ID         any
	Name       any
	Resource   any
	Action     any
	Conditions []byte
}

// RolePermissionRow links a role to a permission.
type RolePermissionRow struct {
	RoleID       any
	PermissionID any
}

// UserRoleRows is the raw result of the user-roles-with-permissions query.
type UserRoleRows struct {
	Roles           []RoleRow
	Permissions     []PermissionRow
	RolePermissions []RolePermissionRow
}

// CacheStats describes the permission cache occupancy.
type CacheStats struct {
	Size               int     `json:"size"`
	MaxSize            int     `json:"maxSize"`
	UtilizationPercent float64 `json:"utilizationPercent"`
	InFlightRequests   int     `json:"inFlightRequests"`
}
