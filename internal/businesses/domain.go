package businesses

import "time"

// Business is a tenant on the platform.
type Business struct {
	ID        string
	OwnerID   string
	Name      string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
