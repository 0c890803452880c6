package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateAssignment indicates the user already holds the role.
var ErrDuplicateAssignment = errors.New("rbac: user already holds role")

// AssignRoleParams carries a role grant.
type AssignRoleParams struct {
	UserID    string
	RoleID    string
	GrantedBy string
	ExpiresAt *time.Time
	Metadata  map[string]any
}

// Repository is the backing-store collaborator for the permission engine.
// Implementations return raw rows; the loader owns coercion and validation.
type Repository interface {
	GetUserRolesWithPermissions(ctx context.Context, userID string) (UserRoleRows, error)
	GetRoleByName(ctx context.Context, name string) (*RoleRow, error)
	GetRoleByID(ctx context.Context, id string) (*RoleRow, error)
	GetUserRoles(ctx context.Context, userID string) ([]RoleRow, error)
	AssignRoleToUser(ctx context.Context, params AssignRoleParams) error
	RevokeRoleFromUser(ctx context.Context, userID, roleID string) (bool, error)
	PurgeExpiredAssignments(ctx context.Context, before time.Time) ([]string, error)
}

// SQLRepository provides PostgreSQL backed persistence.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewSQLRepository constructs a repository.
func NewSQLRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

const roleColumns = `r.id, r.name, r.display_name, r.level, r.is_active`

// GetUserRolesWithPermissions returns the three raw collections the loader
// joins: unexpired role grants, the permissions those roles carry, and the
// role-permission link pairs.
func (r *SQLRepository) GetUserRolesWithPermissions(ctx context.Context, userID string) (UserRoleRows, error) {
	var result UserRoleRows

	rows, err := r.pool.Query(ctx, `
		SELECT `+roleColumns+`
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 AND (ur.expires_at IS NULL OR ur.expires_at > now())`, userID)
	if err != nil {
		return UserRoleRows{}, fmt.Errorf("rbac: query user roles: %w", err)
	}
	result.Roles, err = scanRoleRows(rows)
	if err != nil {
		return UserRoleRows{}, err
	}
	if len(result.Roles) == 0 {
		return result, nil
	}

	rows, err = r.pool.Query(ctx, `
		SELECT DISTINCT p.id, p.name, p.resource, p.action, p.conditions
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1 AND (ur.expires_at IS NULL OR ur.expires_at > now())`, userID)
	if err != nil {
		return UserRoleRows{}, fmt.Errorf("rbac: query user permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row PermissionRow
		if err := rows.Scan(&row.ID, &row.Name, &row.Resource, &row.Action, &row.Conditions); err != nil {
			return UserRoleRows{}, err
		}
		result.Permissions = append(result.Permissions, row)
	}
	if err := rows.Err(); err != nil {
		return UserRoleRows{}, err
	}

	linkRows, err := r.pool.Query(ctx, `
		SELECT rp.role_id, rp.permission_id
		FROM role_permissions rp
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1 AND (ur.expires_at IS NULL OR ur.expires_at > now())`, userID)
	if err != nil {
		return UserRoleRows{}, fmt.Errorf("rbac: query role permission links: %w", err)
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var row RolePermissionRow
		if err := linkRows.Scan(&row.RoleID, &row.PermissionID); err != nil {
			return UserRoleRows{}, err
		}
		result.RolePermissions = append(result.RolePermissions, row)
	}
	if err := linkRows.Err(); err != nil {
		return UserRoleRows{}, err
	}
	return result, nil
}

// GetRoleByName fetches a role by name. Returns nil when absent.
func (r *SQLRepository) GetRoleByName(ctx context.Context, name string) (*RoleRow, error) {
	return r.getRole(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.name = $1`, name)
}

// GetRoleByID fetches a role by id. Returns nil when absent or when the id
// is not a well-formed uuid.
func (r *SQLRepository) GetRoleByID(ctx context.Context, id string) (*RoleRow, error) {
	role, err := r.getRole(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1::uuid`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return nil, nil
		}
		return nil, err
	}
	return role, nil
}

func (r *SQLRepository) getRole(ctx context.Context, query string, arg any) (*RoleRow, error) {
	var row RoleRow
	err := r.pool.QueryRow(ctx, query, arg).Scan(&row.ID, &row.Name, &row.DisplayName, &row.Level, &row.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rbac: query role: %w", err)
	}
	return &row, nil
}

// GetUserRoles returns the user's unexpired role grants without permissions.
func (r *SQLRepository) GetUserRoles(ctx context.Context, userID string) ([]RoleRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+roleColumns+`
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1 AND (ur.expires_at IS NULL OR ur.expires_at > now())`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: query user roles: %w", err)
	}
	return scanRoleRows(rows)
}

// AssignRoleToUser inserts a role grant. A unique violation maps to
// ErrDuplicateAssignment.
func (r *SQLRepository) AssignRoleToUser(ctx context.Context, params AssignRoleParams) error {
	var metadata []byte
	if len(params.Metadata) > 0 {
		encoded, err := json.Marshal(params.Metadata)
		if err != nil {
			return fmt.Errorf("rbac: encode assignment metadata: %w", err)
		}
		metadata = encoded
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id, granted_by, granted_at, expires_at, metadata)
		VALUES ($1, $2, $3::uuid, $4, now(), $5, $6)`,
		uuid.New(), params.UserID, params.RoleID, params.GrantedBy, params.ExpiresAt, metadata)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAssignment
		}
		return fmt.Errorf("rbac: insert role grant: %w", err)
	}
	return nil
}

// RevokeRoleFromUser deletes a role grant and reports whether one existed.
// A malformed role id cannot match any grant and reports false.
func (r *SQLRepository) RevokeRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2::uuid`, userID, roleID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return false, nil
		}
		return false, fmt.Errorf("rbac: delete role grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpiredAssignments deletes grants past their expiry and returns the
// affected user ids so their cache entries can be invalidated.
func (r *SQLRepository) PurgeExpiredAssignments(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM user_roles
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		RETURNING user_id`, before)
	if err != nil {
		return nil, fmt.Errorf("rbac: purge expired grants: %w", err)
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return userIDs, nil
}

func scanRoleRows(rows pgx.Rows) ([]RoleRow, error) {
	defer rows.Close()
	var result []RoleRow
	for rows.Next() {
		var row RoleRow
		if err := rows.Scan(&row.ID, &row.Name, &row.DisplayName, &row.Level, &row.IsActive); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
