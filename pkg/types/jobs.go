package types

import "time"

// Queue names in priority order. Workers drain higher-priority queues first.
const (
	QueueCritical   = "critical"   // irreversible phases: PLC submit, activation
	QueueMigrations = "migrations" // ordinary migration phases
	QueueDefault    = "default"
	QueueLow        = "low" // housekeeping
)

// QueuePriority returns the scheduling weight of a queue. Unknown queues get
// the default weight.
func QueuePriority(queue string) int {
	switch queue {
	case QueueCritical:
		return 10
	case QueueMigrations:
		return 5
	case QueueLow:
		return 1
	default:
		return 3
	}
}

// Job is a durable unit of work: one phase execution for one migration.
// Jobs are persisted before the worker runs them and re-enqueued with a
// delay on retryable failure.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Phase       string    `json:"phase"`
	MigrationID string    `json:"migration_id"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`

	// Payload carries phase-specific arguments, e.g. the blob subset for a
	// retry-failed-blobs run.
	Payload map[string]string `json:"payload,omitempty"`

	// RunAt defers execution; a job is not visible to workers before it.
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Due reports whether the job may run at now.
func (j *Job) Due(now time.Time) bool {
	return !now.Before(j.RunAt)
}
