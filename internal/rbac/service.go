package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/slotbook/slotbook/internal/shared"
)

// Config tunes the permission engine. Zero values fall back to defaults.
type Config struct {
	// CacheTTL is how long a successfully loaded snapshot stays fresh.
	CacheTTL time.Duration
	// FailureTTL is the short TTL for the empty snapshot cached after a
	// failed load, so repeated failures do not hammer the store but
	// self-heal quickly.
	FailureTTL time.Duration
	// MaxCacheSize bounds the snapshot cache entry count.
	MaxCacheSize int
	// EvictionInterval is the janitor period.
	EvictionInterval time.Duration
	// AdminLevel is the effective level required to grant or revoke roles.
	AdminLevel int
	// LoadTimeout bounds a single backing-store load so a hung store cannot
	// pin an in-flight marker forever.
	LoadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.FailureTTL <= 0 {
		c.FailureTTL = time.Minute
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = 1000
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = time.Minute
	}
	if c.AdminLevel <= 0 {
		c.AdminLevel = shared.LevelAdmin
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	return c
}

// Publisher fans cache invalidations out to other instances.
type Publisher interface {
	PublishUser(ctx context.Context, userID string) error
	PublishAll(ctx context.Context) error
}

// Service is the permission engine facade. It owns the snapshot cache and
// the in-flight load registry; no other component mutates them.
type Service struct {
	repo      Repository
	loader    *loader
	evaluator *conditionEvaluator
	cache     *snapshotCache
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	group      singleflight.Group
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	publisher Publisher
}

// NewService constructs the permission engine. The business finder is only
// consulted by ownership conditions and may be nil when no permission in the
// store carries an owner condition.
func NewService(repo Repository, businesses BusinessFinder, logger *slog.Logger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		repo:      repo,
		loader:    &loader{repo: repo, logger: logger},
		evaluator: &conditionEvaluator{businesses: businesses, logger: logger, now: func() time.Time { return time.Now().UTC() }},
		cache:     newSnapshotCache(cfg.MaxCacheSize, logger),
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}
}

// SetPublisher wires cross-instance invalidation fan-out.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// StartJanitor runs the periodic cache sweep until ctx is cancelled.
func (s *Service) StartJanitor(ctx context.Context) {
	go s.cache.runJanitor(ctx, s.cfg.EvictionInterval, s.now)
}

// GetUserPermissions returns the user's snapshot, from cache when fresh.
// Backing-store failures degrade to an empty snapshot; only a malformed
// userId produces an error.
func (s *Service) GetUserPermissions(ctx context.Context, userID string) (*UserPermissions, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	key := userCacheKey(userID)
	if snapshot, ok := s.cache.get(key, s.now()); ok {
		return snapshot, nil
	}
	return s.resolve(ctx, key, userID)
}

// ReloadUserPermissions bypasses the cached snapshot and loads fresh state.
func (s *Service) ReloadUserPermissions(ctx context.Context, userID string) (*UserPermissions, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	key := userCacheKey(userID)
	s.cache.invalidate(key)
	s.group.Forget(key)
	return s.resolve(ctx, key, userID)
}

// resolve loads and caches the snapshot. Concurrent callers for the same
// user share a single backing-store load; waiters receive the originating
// load's result.
func (s *Service) resolve(ctx context.Context, key, userID string) (*UserPermissions, error) {
	result, err, _ := s.group.Do(key, func() (any, error) {
		s.trackInFlight(key)
		defer s.untrackInFlight(key)

		// The load outlives the originating request's cancellation: its
		// result is shared with waiters whose contexts are still live.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LoadTimeout)
		defer cancel()

		snapshot, err := s.loader.load(loadCtx, userID)
		now := s.now()
		if err != nil {
			s.logger.Error("permission load failed, degrading to empty snapshot",
				slog.String("user_id", userID),
				slog.Any("error", err))
			fallback := emptySnapshot(userID)
			s.cache.put(key, fallback, s.cfg.FailureTTL, now)
			return fallback, nil
		}
		s.cache.put(key, snapshot, s.cfg.CacheTTL, now)
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*UserPermissions), nil
}

// HasPermission reports whether the user holds resource:action, evaluating
// attached conditions against reqCtx. Malformed inputs resolve to false
// rather than an error on this path.
func (s *Service) HasPermission(ctx context.Context, userID, resource, action string, reqCtx map[string]any) (bool, error) {
	if err := validateUserID(userID); err != nil {
		s.logger.Debug("permission check rejected input", slog.Any("error", err))
		return false, nil
	}
	resource = strings.ToLower(strings.TrimSpace(resource))
	action = strings.ToLower(strings.TrimSpace(action))
	if err := validateScopePart("resource", resource); err != nil {
		s.logger.Debug("permission check rejected input", slog.Any("error", err))
		return false, nil
	}
	if err := validateScopePart("action", action); err != nil {
		s.logger.Debug("permission check rejected input", slog.Any("error", err))
		return false, nil
	}

	snapshot, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		s.logger.Error("permission check failed", slog.String("user_id", userID), slog.Any("error", err))
		return false, err
	}
	for _, perm := range snapshot.Permissions {
		if perm.Resource != resource || perm.Action != action {
			continue
		}
		if len(perm.Conditions) == 0 {
			return true, nil
		}
		if s.evaluator.allow(ctx, perm.Conditions, reqCtx, snapshot) {
			return true, nil
		}
	}
	return false, nil
}

// RequirePermission enforces a "resource:action" permission string.
func (s *Service) RequirePermission(ctx context.Context, userID, permission string, reqCtx map[string]any) error {
	resource, action, err := splitPermission(permission)
	if err != nil {
		return err
	}
	ok, err := s.HasPermission(ctx, userID, resource, action, reqCtx)
	if err != nil {
		return err
	}
	if !ok {
		return shared.NewForbidden(userID, permission)
	}
	return nil
}

// HasAnyPermission reports whether the user holds at least one of the given
// "resource:action" permissions. Errors are logged and resolve to false.
func (s *Service) HasAnyPermission(ctx context.Context, userID string, permissions ...string) bool {
	for _, permission := range permissions {
		resource, action, err := splitPermission(permission)
		if err != nil {
			s.logger.Debug("skipping malformed permission", slog.String("permission", permission), slog.Any("error", err))
			continue
		}
		ok, err := s.HasPermission(ctx, userID, resource, action, nil)
		if err != nil {
			s.logger.Error("permission check failed", slog.String("permission", permission), slog.Any("error", err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// HasRole reports whether one of the user's active roles matches roleName.
func (s *Service) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		s.logger.Debug("role check rejected input", slog.Any("error", err))
		return false, nil
	}
	if err := validateRoleName(roleName); err != nil {
		s.logger.Debug("role check rejected input", slog.Any("error", err))
		return false, nil
	}
	snapshot, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, role := range snapshot.Roles {
		if strings.EqualFold(role.Name, roleName) {
			return true, nil
		}
	}
	return false, nil
}

// RequireRole enforces membership in the named role.
func (s *Service) RequireRole(ctx context.Context, userID, roleName string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if err := validateRoleName(roleName); err != nil {
		return err
	}
	ok, err := s.HasRole(ctx, userID, roleName)
	if err != nil {
		return err
	}
	if !ok {
		return shared.NewForbidden(userID, "role:"+roleName)
	}
	return nil
}

// RequireMinLevel enforces a minimum effective level.
func (s *Service) RequireMinLevel(ctx context.Context, userID string, minLevel int) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if minLevel < 0 {
		return shared.NewValidation("minLevel", "must be non-negative")
	}
	snapshot, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return err
	}
	if snapshot.EffectiveLevel < minLevel {
		return shared.NewForbidden(userID, fmt.Sprintf("level:%d", minLevel))
	}
	return nil
}

// AssignRole grants a role (by name or id) to a user. The grantor must meet
// the administrative level. Both users' cache entries are invalidated before
// returning, so a subsequent read sees the store's current state.
func (s *Service) AssignRole(ctx context.Context, userID, roleNameOrID, grantedBy string, expiresAt *time.Time, metadata map[string]any) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if err := validateUserID(grantedBy); err != nil {
		return err
	}
	if err := validateRoleName(roleNameOrID); err != nil {
		return err
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return shared.NewValidation("expiresAt", "must be a future date")
	}
	if err := s.requireAdmin(ctx, grantedBy); err != nil {
		return err
	}

	role, err := s.resolveRole(ctx, roleNameOrID)
	if err != nil {
		return err
	}
	roleID := coerceString(role.ID)

	existing, err := s.repo.GetUserRoles(ctx, userID)
	if err != nil {
		return fmt.Errorf("rbac: check existing roles: %w", err)
	}
	for _, row := range existing {
		if coerceString(row.ID) == roleID {
			return shared.NewValidation("role", "user already holds this role")
		}
	}

	err = s.repo.AssignRoleToUser(ctx, AssignRoleParams{
		UserID:    userID,
		RoleID:    roleID,
		GrantedBy: grantedBy,
		ExpiresAt: expiresAt,
		Metadata:  metadata,
	})
	if errors.Is(err, ErrDuplicateAssignment) {
		return shared.NewValidation("role", "user already holds this role")
	}
	if err != nil {
		return err
	}

	s.ForceInvalidateUser(userID)
	s.ForceInvalidateUser(grantedBy)
	s.logger.Info("role assigned",
		slog.String("user_id", userID),
		slog.String("role_id", roleID),
		slog.String("granted_by", grantedBy))
	return nil
}

// RevokeRole removes a role grant. The revoker must meet the administrative
// level.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID, revokedBy string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if err := validateRoleName(roleID); err != nil {
		return err
	}
	if err := validateUserID(revokedBy); err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, revokedBy); err != nil {
		return err
	}

	removed, err := s.repo.RevokeRoleFromUser(ctx, userID, roleID)
	if err != nil {
		return err
	}
	if !removed {
		return shared.NewNotFound("role assignment", roleID)
	}

	s.ForceInvalidateUser(userID)
	s.ForceInvalidateUser(revokedBy)
	s.logger.Info("role revoked",
		slog.String("user_id", userID),
		slog.String("role_id", roleID),
		slog.String("revoked_by", revokedBy))
	return nil
}

// InvalidateUsersWithRole drops cache entries for every listed user, locally
// and across instances. Used after a shared role or permission definition
// changes.
func (s *Service) InvalidateUsersWithRole(userIDs []string) {
	for _, userID := range userIDs {
		s.ForceInvalidateUser(userID)
	}
}

// ClearUserCache removes the user's local cache entry and forgets any
// in-flight load so the next read starts a fresh one.
func (s *Service) ClearUserCache(userID string) {
	key := userCacheKey(userID)
	s.cache.invalidate(key)
	s.group.Forget(key)
}

// ClearAllCache empties the local cache and broadcasts the invalidation.
func (s *Service) ClearAllCache() {
	s.cache.invalidateAll()
	if s.publisher != nil {
		if err := s.publisher.PublishAll(context.Background()); err != nil {
			s.logger.Warn("broadcast full invalidation", slog.Any("error", err))
		}
	}
}

// ForceInvalidateUser removes the user's cache entry, forgets any in-flight
// load, and broadcasts the invalidation.
func (s *Service) ForceInvalidateUser(userID string) {
	key := userCacheKey(userID)
	s.cache.invalidate(key)
	s.group.Forget(key)
	if s.publisher != nil {
		if err := s.publisher.PublishUser(context.Background(), userID); err != nil {
			s.logger.Warn("broadcast user invalidation", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
}

// Stats reports cache occupancy and in-flight load count.
func (s *Service) Stats() CacheStats {
	size := s.cache.size()
	s.inflightMu.Lock()
	inflight := len(s.inflight)
	s.inflightMu.Unlock()
	return CacheStats{
		Size:               size,
		MaxSize:            s.cfg.MaxCacheSize,
		UtilizationPercent: float64(size) / float64(s.cfg.MaxCacheSize) * 100,
		InFlightRequests:   inflight,
	}
}

// applyRemoteInvalidation handles a message from another instance. Local
// only: re-publishing would loop.
func (s *Service) applyRemoteInvalidation(userID string, all bool) {
	if all {
		s.cache.invalidateAll()
		return
	}
	key := userCacheKey(userID)
	s.cache.invalidate(key)
	s.group.Forget(key)
}

func (s *Service) requireAdmin(ctx context.Context, actorID string) error {
	snapshot, err := s.GetUserPermissions(ctx, actorID)
	if err != nil {
		return err
	}
	if snapshot.EffectiveLevel < s.cfg.AdminLevel {
		return shared.NewForbidden(actorID, fmt.Sprintf("level:%d", s.cfg.AdminLevel))
	}
	return nil
}

// resolveRole looks a role up by name, then by id. Inactive and missing
// roles are both reported as not found.
func (s *Service) resolveRole(ctx context.Context, nameOrID string) (*RoleRow, error) {
	role, err := s.repo.GetRoleByName(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		role, err = s.repo.GetRoleByID(ctx, nameOrID)
		if err != nil {
			return nil, err
		}
	}
	if role == nil || !role.IsActive {
		return nil, shared.NewNotFound("role", nameOrID)
	}
	return role, nil
}

func (s *Service) trackInFlight(key string) {
	s.inflightMu.Lock()
	s.inflight[key] = struct{}{}
	s.inflightMu.Unlock()
}

func (s *Service) untrackInFlight(key string) {
	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()
}
