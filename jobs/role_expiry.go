package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/slotbook/slotbook/internal/jobs"
	"github.com/slotbook/slotbook/internal/rbac"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RoleExpirySweepJob removes role grants past their expiry and drops the
// affected users' cached permission snapshots.
type RoleExpirySweepJob struct {
	Repo    rbac.Repository
	RBAC    *rbac.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRoleExpirySweepJob wires dependencies for the sweep handler.
func NewRoleExpirySweepJob(repo rbac.Repository, svc *rbac.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleExpirySweepJob {
	return &RoleExpirySweepJob{
		Repo:    repo,
		RBAC:    svc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes role expiry sweep tasks.
func (j *RoleExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("role expiry sweep: handler not configured")
	}
	var payload RoleExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRoleExpirySweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cutoff := j.now().Add(-payload.Grace)
	userIDs, err := j.Repo.PurgeExpiredAssignments(ctx, cutoff)
	if err != nil {
		resultErr = err
		j.logger().Error("purge expired role grants", slog.Any("error", err))
		return resultErr
	}
	if len(userIDs) == 0 {
		j.logger().Debug("no expired role grants found")
		return nil
	}

	if j.RBAC != nil {
		j.RBAC.InvalidateUsersWithRole(userIDs)
	}
	j.logger().Info("expired role grants purged",
		slog.Int("users", len(userIDs)),
		slog.Time("cutoff", cutoff))
	return nil
}

func (j *RoleExpirySweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RoleExpirySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *RoleExpirySweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock().UTC()
	}
	return time.Now().UTC()
}
