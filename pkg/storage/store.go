package storage

import (
	"time"

	"github.com/driftsky/pdsmover/pkg/types"
)

// Store defines the interface for durable migration and job-queue state.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Migrations
	CreateMigration(m *types.Migration) error
	GetMigration(id string) (*types.Migration, error)
	GetMigrationByToken(token string) (*types.Migration, error)
	GetMigrationByVerificationToken(token string) (*types.Migration, error)
	FindActiveMigrationByDID(did string) (*types.Migration, error)
	ListMigrations() ([]*types.Migration, error)
	ListMigrationsByStatus(status types.Status) ([]*types.Migration, error)
	CountActiveBlobMigrations() (int, error)
	UpdateMigration(m *types.Migration) error

	// UpdateMigrationWithJob persists a migration and enqueues a job in the
	// same transaction. The state machine relies on this for atomic
	// advance-and-enqueue.
	UpdateMigrationWithJob(m *types.Migration, job *types.Job) error

	// Jobs
	EnqueueJob(job *types.Job) error
	DequeueDueJob(now time.Time) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	DeleteJobsForMigration(migrationID string) error

	// Utility
	Close() error
}
