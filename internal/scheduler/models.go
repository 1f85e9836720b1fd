package scheduler

import (
	"time"

	"github.com/uptrace/bun"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobCancelled JobStatus = "cancelled"
	// Parked jobs exhausted their handler retries and wait for
	// inspection. They are never silently dropped.
	JobParked JobStatus = "parked"
)

// Job is one durable unit of deferred work. It fires at-or-after RunAt
// and is delivered at-least-once; handlers must be idempotent.
type Job struct {
	bun.BaseModel `bun:"table:scheduled_jobs"`

	JobID     string    `bun:"job_id,pk" json:"job_id"`
	Type      string    `bun:"type,notnull" json:"type"`
	Payload   []byte    `bun:"payload,nullzero" json:"payload,omitempty"`
	Status    JobStatus `bun:"status,notnull" json:"status"`
	RunAt     time.Time `bun:"run_at,notnull" json:"run_at"`
	Attempts  int       `bun:"attempts" json:"attempts"`
	LastError string    `bun:"last_error,nullzero" json:"last_error,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}
