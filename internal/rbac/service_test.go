package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/slotbook/internal/shared"
	_ "github.com/slotbook/slotbook/testing"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu sync.Mutex

	// Per-user raw rows served by GetUserRolesWithPermissions.
	rows map[string]UserRoleRows

	// Role catalog.
	rolesByName map[string]*RoleRow
	rolesByID   map[string]*RoleRow

	// Grants visible to GetUserRoles.
	userRoles map[string][]RoleRow

	assignments []AssignRoleParams
	revoked     [][2]string
	purgeUsers  []string

	// Error injection.
	loadErr   error
	assignErr error

	// Instrumentation.
	loadCalls int
	loadDelay time.Duration
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		rows:        make(map[string]UserRoleRows),
		rolesByName: make(map[string]*RoleRow),
		rolesByID:   make(map[string]*RoleRow),
		userRoles:   make(map[string][]RoleRow),
	}
}

func (m *mockRepository) GetUserRolesWithPermissions(ctx context.Context, userID string) (UserRoleRows, error) {
	m.mu.Lock()
	m.loadCalls++
	delay := m.loadDelay
	loadErr := m.loadErr
	rows := m.rows[userID]
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return UserRoleRows{}, ctx.Err()
		}
	}
	if loadErr != nil {
		return UserRoleRows{}, loadErr
	}
	return rows, nil
}

func (m *mockRepository) GetRoleByName(ctx context.Context, name string) (*RoleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolesByName[name], nil
}

func (m *mockRepository) GetRoleByID(ctx context.Context, id string) (*RoleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolesByID[id], nil
}

func (m *mockRepository) GetUserRoles(ctx context.Context, userID string) ([]RoleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userRoles[userID], nil
}

func (m *mockRepository) AssignRoleToUser(ctx context.Context, params AssignRoleParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignErr != nil {
		return m.assignErr
	}
	m.assignments = append(m.assignments, params)
	return nil
}

func (m *mockRepository) RevokeRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grants := m.userRoles[userID]
	for i, row := range grants {
		if coerceString(row.ID) == roleID {
			m.userRoles[userID] = append(grants[:i:i], grants[i+1:]...)
			m.revoked = append(m.revoked, [2]string{userID, roleID})
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) PurgeExpiredAssignments(ctx context.Context, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeUsers, nil
}

func (m *mockRepository) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCalls
}

// ============================================================================
// FIXTURES
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo Repository, finder BusinessFinder) *Service {
	return NewService(repo, finder, testLogger(), Config{
		CacheTTL:     time.Minute,
		FailureTTL:   10 * time.Second,
		MaxCacheSize: 100,
		AdminLevel:   800,
	})
}

// editorRows wires user u with role EDITOR (level 10) holding document:edit.
func editorRows() UserRoleRows {
	return UserRoleRows{
		Roles: []RoleRow{
			{ID: "role-editor", Name: "editor", DisplayName: "Editor", Level: int64(10), IsActive: true},
		},
		Permissions: []PermissionRow{
			{ID: "perm-edit", Name: "edit documents", Resource: "document", Action: "edit"},
		},
		RolePermissions: []RolePermissionRow{
			{RoleID: "role-editor", PermissionID: "perm-edit"},
		},
	}
}

func adminRows() UserRoleRows {
	return UserRoleRows{
		Roles: []RoleRow{
			{ID: "role-admin", Name: "admin", DisplayName: "Administrator", Level: int64(800), IsActive: true},
		},
	}
}

// ============================================================================
// SNAPSHOT RESOLUTION
// ============================================================================

func TestGetUserPermissionsIdempotentWithinTTL(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	svc := newTestService(repo, nil)

	first, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	second, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.calls(), "second call within TTL must be served from cache")
	assert.Equal(t, 10, first.EffectiveLevel)
	require.Len(t, first.Roles, 1)
	assert.Equal(t, "editor", first.Roles[0].Name)
}

func TestGetUserPermissionsRejectsMalformedUserID(t *testing.T) {
	svc := newTestService(newMockRepository(), nil)

	for _, userID := range []string{"", "bad id", "semi;colon", strings.Repeat("a", 200)} {
		_, err := svc.GetUserPermissions(context.Background(), userID)
		var validation *shared.ValidationError
		assert.ErrorAs(t, err, &validation, "userID %q", userID)
	}
}

func TestGetUserPermissionsDegradesOnStoreFailure(t *testing.T) {
	repo := newMockRepository()
	repo.loadErr = errors.New("connection refused")
	svc := newTestService(repo, nil)

	snapshot, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err, "store failures must not surface")
	assert.Empty(t, snapshot.Roles)
	assert.Empty(t, snapshot.Permissions)
	assert.Equal(t, 0, snapshot.EffectiveLevel)

	// The empty snapshot is cached under the failure TTL: the store is not
	// hammered by immediate retries.
	_, err = svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls())
}

func TestGetUserPermissionsFailureCacheSelfHeals(t *testing.T) {
	repo := newMockRepository()
	repo.loadErr = errors.New("connection refused")
	svc := newTestService(repo, nil)

	_, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)

	// Store recovers and the short failure TTL lapses.
	repo.mu.Lock()
	repo.loadErr = nil
	repo.rows["u1"] = editorRows()
	repo.mu.Unlock()
	svc.now = func() time.Time { return time.Now().UTC().Add(11 * time.Second) }

	snapshot, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, snapshot.EffectiveLevel)
	assert.Equal(t, 2, repo.calls())
}

func TestStampedeProtection(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	repo.loadDelay = 50 * time.Millisecond
	svc := newTestService(repo, nil)

	const callers = 50
	var wg sync.WaitGroup
	results := make([]*UserPermissions, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.GetUserPermissions(context.Background(), "u1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.calls(), "concurrent callers must share one load")
	for i := range results {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestReloadUserPermissionsBypassesCache(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	svc := newTestService(repo, nil)

	_, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	_, err = svc.ReloadUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls())
}

// ============================================================================
// PERMISSION AND ROLE CHECKS
// ============================================================================

func TestHasPermissionBasicGrant(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	svc := newTestService(repo, nil)

	ok, err := svc.HasPermission(context.Background(), "u1", "document", "edit", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasPermission(context.Background(), "u1", "document", "delete", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasPermissionMalformedInputsResolveFalse(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	svc := newTestService(repo, nil)

	cases := [][3]string{
		{"", "document", "edit"},
		{"u1", "", "edit"},
		{"u1", "document", ""},
		{"u1", "doc ument", "edit"},
		{"u1", "document", "ed:it"},
	}
	for _, c := range cases {
		ok, err := svc.HasPermission(context.Background(), c[0], c[1], c[2], nil)
		require.NoError(t, err)
		assert.False(t, ok, "inputs %v", c)
	}
	assert.Equal(t, 0, repo.calls(), "validation happens before any lookup")
}

func TestRequirePermission(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	svc := newTestService(repo, nil)

	require.NoError(t, svc.RequirePermission(context.Background(), "u1", "document:edit", nil))

	err := svc.RequirePermission(context.Background(), "u1", "document:delete", nil)
	var forbidden *shared.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "u1", forbidden.UserID)
	assert.False(t, forbidden.At.IsZero())

	var validation *shared.ValidationError
	assert.ErrorAs(t, svc.RequirePermission(context.Background(), "u1", "documentedit", nil), &validation)
	assert.ErrorAs(t, svc.RequirePermission(context.Background(), "u1", "a:b:c", nil), &validation)
}

func TestHasAnyPermission(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	svc := newTestService(repo, nil)

	assert.True(t, svc.HasAnyPermission(context.Background(), "u1", "document:delete", "document:edit"))
	assert.False(t, svc.HasAnyPermission(context.Background(), "u1", "document:delete"))
	// Malformed entries are skipped, not fatal.
	assert.True(t, svc.HasAnyPermission(context.Background(), "u1", "garbage", "document:edit"))
	assert.False(t, svc.HasAnyPermission(context.Background(), "u1"))
}

func TestHasRoleAndRequireRole(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	svc := newTestService(repo, nil)

	ok, err := svc.HasRole(context.Background(), "u1", "editor")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasRole(context.Background(), "u1", "EDITOR")
	require.NoError(t, err)
	assert.True(t, ok, "role names compare case-insensitively")

	require.NoError(t, svc.RequireRole(context.Background(), "u1", "editor"))

	var forbidden *shared.ForbiddenError
	require.ErrorAs(t, svc.RequireRole(context.Background(), "u1", "admin"), &forbidden)
}

func TestRequireMinLevel(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u3"] = UserRoleRows{
		Roles: []RoleRow{
			{ID: "role-mgr", Name: "manager", DisplayName: "Manager", Level: int64(300), IsActive: true},
		},
	}
	svc := newTestService(repo, nil)

	var forbidden *shared.ForbiddenError
	require.ErrorAs(t, svc.RequireMinLevel(context.Background(), "u3", 500), &forbidden)

	require.NoError(t, svc.RequireMinLevel(context.Background(), "u3", 300))
	require.NoError(t, svc.RequireMinLevel(context.Background(), "u3", 0))

	var validation *shared.ValidationError
	require.ErrorAs(t, svc.RequireMinLevel(context.Background(), "u3", -1), &validation)
}

// ============================================================================
// ROLE ADMINISTRATION
// ============================================================================

func TestAssignRoleInvalidatesCache(t *testing.T) {
	repo := newMockRepository()
	repo.rows["admin1"] = adminRows()
	repo.rows["u1"] = UserRoleRows{}
	repo.rolesByName["editor"] = &RoleRow{ID: "role-editor", Name: "editor", Level: int64(10), IsActive: true}
	svc := newTestService(repo, nil)

	before, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, before.Roles)

	// The store changes underneath the cached snapshot.
	repo.mu.Lock()
	repo.rows["u1"] = editorRows()
	repo.mu.Unlock()

	require.NoError(t, svc.AssignRole(context.Background(), "u1", "editor", "admin1", nil, map[string]any{"reason": "promotion"}))
	require.Len(t, repo.assignments, 1)
	assert.Equal(t, "role-editor", repo.assignments[0].RoleID)
	assert.Equal(t, "admin1", repo.assignments[0].GrantedBy)

	// No stale TTL window: the next read reflects the grant.
	after, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, after.Roles, 1)
	assert.Equal(t, "editor", after.Roles[0].Name)
}

func TestAssignRoleRequiresAdminLevel(t *testing.T) {
	repo := newMockRepository()
	repo.rows["lowbie"] = editorRows()
	repo.rolesByName["editor"] = &RoleRow{ID: "role-editor", Name: "editor", Level: int64(10), IsActive: true}
	svc := newTestService(repo, nil)

	err := svc.AssignRole(context.Background(), "u1", "editor", "lowbie", nil, nil)
	var forbidden *shared.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "lowbie", forbidden.UserID)
	assert.Empty(t, repo.assignments)
}

func TestAssignRoleRejectsPastExpiry(t *testing.T) {
	repo := newMockRepository()
	repo.rows["admin1"] = adminRows()
	repo.rolesByName["editor"] = &RoleRow{ID: "role-editor", Name: "editor", Level: int64(10), IsActive: true}
	svc := newTestService(repo, nil)

	past := time.Now().UTC().Add(-time.Hour)
	err := svc.AssignRole(context.Background(), "u1", "editor", "admin1", &past, nil)
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "expiresAt", validation.Field)
}

func TestAssignRoleUnknownOrInactiveRole(t *testing.T) {
	repo := newMockRepository()
	repo.rows["admin1"] = adminRows()
	repo.rolesByName["retired"] = &RoleRow{ID: "role-retired", Name: "retired", Level: int64(5), IsActive: false}
	svc := newTestService(repo, nil)

	var notFound *shared.NotFoundError
	require.ErrorAs(t, svc.AssignRole(context.Background(), "u1", "ghost", "admin1", nil, nil), &notFound)
	require.ErrorAs(t, svc.AssignRole(context.Background(), "u1", "retired", "admin1", nil, nil), &notFound)
}

func TestAssignRoleAlreadyHeld(t *testing.T) {
	repo := newMockRepository()
	repo.rows["admin1"] = adminRows()
	repo.rolesByName["editor"] = &RoleRow{ID: "role-editor", Name: "editor", Level: int64(10), IsActive: true}
	repo.userRoles["u1"] = []RoleRow{{ID: "role-editor", Name: "editor", Level: int64(10), IsActive: true}}
	svc := newTestService(repo, nil)

	err := svc.AssignRole(context.Background(), "u1", "editor", "admin1", nil, nil)
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Empty(t, repo.assignments)
}

func TestAssignRoleDuplicateRace(t *testing.T) {
	repo := newMockRepository()
	repo.rows["admin1"] = adminRows()
	repo.rolesByName["editor"] = &RoleRow{ID: "role-editor", Name: "editor", Level: int64(10), IsActive: true}
	repo.assignErr = ErrDuplicateAssignment
	svc := newTestService(repo, nil)

	err := svc.AssignRole(context.Background(), "u1", "editor", "admin1", nil, nil)
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestRevokeRoleThenCheck(t *testing.T) {
	repo := newMockRepository()
	repo.rows["admin1"] = adminRows()
	repo.rows["u1"] = editorRows()
	repo.userRoles["u1"] = []RoleRow{{ID: "role-editor", Name: "editor", Level: int64(10), IsActive: true}}
	svc := newTestService(repo, nil)

	ok, err := svc.HasPermission(context.Background(), "u1", "document", "edit", nil)
	require.NoError(t, err)
	require.True(t, ok)

	repo.mu.Lock()
	repo.rows["u1"] = UserRoleRows{}
	repo.mu.Unlock()

	require.NoError(t, svc.RevokeRole(context.Background(), "u1", "role-editor", "admin1"))

	ok, err = svc.HasPermission(context.Background(), "u1", "document", "edit", nil)
	require.NoError(t, err)
	assert.False(t, ok, "revocation must be visible on the very next check")
}

func TestRevokeRoleNotHeld(t *testing.T) {
	repo := newMockRepository()
	repo.rows["admin1"] = adminRows()
	svc := newTestService(repo, nil)

	var notFound *shared.NotFoundError
	require.ErrorAs(t, svc.RevokeRole(context.Background(), "u1", "role-editor", "admin1"), &notFound)
}

// ============================================================================
// CACHE CONTROLS AND STATS
// ============================================================================

func TestStatsAndCacheControls(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	repo.rows["u2"] = editorRows()
	svc := newTestService(repo, nil)

	_, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	_, err = svc.GetUserPermissions(context.Background(), "u2")
	require.NoError(t, err)

	stats := svc.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 100, stats.MaxSize)
	assert.InDelta(t, 2.0, stats.UtilizationPercent, 0.01)
	assert.Equal(t, 0, stats.InFlightRequests)

	svc.ClearUserCache("u1")
	assert.Equal(t, 1, svc.Stats().Size)

	svc.ClearAllCache()
	assert.Equal(t, 0, svc.Stats().Size)
}

func TestClearUserCacheForgetsInFlightLoad(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	repo.loadDelay = 200 * time.Millisecond
	svc := newTestService(repo, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.GetUserPermissions(context.Background(), "u1")
	}()
	require.Eventually(t, func() bool {
		return svc.Stats().InFlightRequests == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Clearing while a load is in flight detaches it: the next read must not
	// join the stale flight.
	svc.ClearUserCache("u1")

	_, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	<-done
	assert.Equal(t, 2, repo.calls(), "read after clear starts a fresh load")
}

func TestHasPermissionMatchesMixedCaseStoreRows(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = UserRoleRows{
		Roles: []RoleRow{
			{ID: "r1", Name: "staff", Level: int64(100), IsActive: true},
		},
		Permissions: []PermissionRow{
			{ID: "p1", Name: "view appointments", Resource: "Appointments", Action: "View"},
		},
		RolePermissions: []RolePermissionRow{
			{RoleID: "r1", PermissionID: "p1"},
		},
	}
	svc := newTestService(repo, nil)

	ok, err := svc.HasPermission(context.Background(), "u1", "appointments", "view", nil)
	require.NoError(t, err)
	assert.True(t, ok, "store casing must not defeat the check")
}

func TestInvalidateUsersWithRole(t *testing.T) {
	repo := newMockRepository()
	repo.rows["u1"] = editorRows()
	repo.rows["u2"] = editorRows()
	svc := newTestService(repo, nil)

	_, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	_, err = svc.GetUserPermissions(context.Background(), "u2")
	require.NoError(t, err)

	svc.InvalidateUsersWithRole([]string{"u1", "u2"})
	assert.Equal(t, 0, svc.Stats().Size)
}
