package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/slotbook/internal/rbac"
	_ "github.com/slotbook/slotbook/testing"
)

type fakeRepository struct {
	rows       map[string]rbac.UserRoleRows
	purgeUsers []string
	purgeErr   error
	purgedAt   []time.Time
}

func (f *fakeRepository) GetUserRolesWithPermissions(ctx context.Context, userID string) (rbac.UserRoleRows, error) {
	return f.rows[userID], nil
}

func (f *fakeRepository) GetRoleByName(ctx context.Context, name string) (*rbac.RoleRow, error) {
	return nil, nil
}

func (f *fakeRepository) GetRoleByID(ctx context.Context, id string) (*rbac.RoleRow, error) {
	return nil, nil
}

func (f *fakeRepository) GetUserRoles(ctx context.Context, userID string) ([]rbac.RoleRow, error) {
	return nil, nil
}

func (f *fakeRepository) AssignRoleToUser(ctx context.Context, params rbac.AssignRoleParams) error {
	return nil
}

func (f *fakeRepository) RevokeRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	return false, nil
}

func (f *fakeRepository) PurgeExpiredAssignments(ctx context.Context, before time.Time) ([]string, error) {
	f.purgedAt = append(f.purgedAt, before)
	return f.purgeUsers, f.purgeErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sweepFixture(t *testing.T, repo *fakeRepository) (*RoleExpirySweepJob, *rbac.Service) {
	t.Helper()
	svc := rbac.NewService(repo, nil, discardLogger(), rbac.Config{MaxCacheSize: 100})
	return NewRoleExpirySweepJob(repo, svc, discardLogger(), nil), svc
}

func TestRoleExpirySweepPurgesAndInvalidates(t *testing.T) {
	repo := &fakeRepository{
		rows: map[string]rbac.UserRoleRows{
			"u1": {Roles: []rbac.RoleRow{{ID: "r1", Name: "staff", Level: int64(100), IsActive: true}}},
		},
		purgeUsers: []string{"u1"},
	}
	job, svc := sweepFixture(t, repo)

	// Warm the cache for the user whose grant is about to lapse.
	_, err := svc.GetUserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1, svc.Stats().Size)

	task, err := NewRoleExpirySweepTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 0, svc.Stats().Size, "purged users lose their cached snapshot")
	require.Len(t, repo.purgedAt, 1)
}

func TestRoleExpirySweepAppliesGrace(t *testing.T) {
	repo := &fakeRepository{}
	job, _ := sweepFixture(t, repo)
	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return fixed }

	task, err := NewRoleExpirySweepTask(15 * time.Minute)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, repo.purgedAt, 1)
	assert.Equal(t, fixed.Add(-15*time.Minute), repo.purgedAt[0])
}

func TestRoleExpirySweepNoExpiredGrants(t *testing.T) {
	repo := &fakeRepository{}
	job, _ := sweepFixture(t, repo)

	task, err := NewRoleExpirySweepTask(0)
	require.NoError(t, err)
	assert.NoError(t, job.Handle(context.Background(), task))
}

func TestRoleExpirySweepRepositoryFailure(t *testing.T) {
	repo := &fakeRepository{purgeErr: errors.New("db down")}
	job, _ := sweepFixture(t, repo)

	task, err := NewRoleExpirySweepTask(0)
	require.NoError(t, err)
	assert.Error(t, job.Handle(context.Background(), task))
}

func TestSuiteRunsInTestMode(t *testing.T) {
	assert.Equal(t, "1", os.Getenv("SLOTBOOK_TEST_MODE"),
		"test bootstrap must force test mode before anything else runs")
}

func TestRoleExpirySweepMalformedPayload(t *testing.T) {
	repo := &fakeRepository{}
	job, _ := sweepFixture(t, repo)

	task := asynq.NewTask(TaskRoleExpirySweep, []byte("not json"))
	err := job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry, "garbage payloads must not be retried")
	assert.Empty(t, repo.purgedAt)
}
