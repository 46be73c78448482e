package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/credit-extractor/constants"
)

// Task is one durable delivery of a job to a worker.
type Task struct {
	ID          uuid.UUID            `json:"id"`
	JobID       uuid.UUID            `json:"job_id"`
	Status      constants.TaskStatus `json:"status"`
	Attempts    int                  `json:"attempts"`
	MaxAttempts int                  `json:"max_attempts"`
	RunAfter    time.Time            `json:"run_after"`
	LeaseUntil  *time.Time           `json:"lease_until,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}
