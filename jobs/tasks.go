package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRoleExpirySweep purges role grants past their expiry and
	// invalidates the affected users' permission cache entries.
	TaskRoleExpirySweep = "rbac:role_expiry_sweep"
)

// RoleExpirySweepPayload scopes a sweep run. Grace keeps just-expired grants
// alive for the given duration so a clock-skewed scheduler cannot revoke
// early.
type RoleExpirySweepPayload struct {
	Grace time.Duration `json:"grace"`
}

// NewRoleExpirySweepTask constructs an Asynq task.
func NewRoleExpirySweepTask(grace time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(RoleExpirySweepPayload{Grace: grace})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleExpirySweep, data), nil
}
