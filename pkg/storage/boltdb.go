package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/driftsky/pdsmover/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketMigrations = []byte("migrations")
	bucketTokens     = []byte("migration_tokens")
	bucketJobs       = []byte("jobs")
)

// ErrNotFound marks a lookup miss.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pdsmover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMigrations,
			bucketTokens,
			bucketJobs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Migration operations

func (s *BoltStore) CreateMigration(m *types.Migration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		tokens := tx.Bucket(bucketTokens)

		if tokens.Get([]byte(m.Token)) != nil {
			return fmt.Errorf("migration token already exists: %s", m.Token)
		}

		// Exactly one non-terminal migration per DID.
		var conflict bool
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Migration
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.DID == m.DID && !existing.Status.Terminal() {
				conflict = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("an active migration already exists for %s", m.DID)
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(m.ID), data); err != nil {
			return err
		}
		return tokens.Put([]byte(m.Token), []byte(m.ID))
	})
}

func (s *BoltStore) GetMigration(id string) (*types.Migration, error) {
	var m types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("migration %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) GetMigrationByToken(token string) (*types.Migration, error) {
	var m types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTokens).Get([]byte(token))
		if id == nil {
			return fmt.Errorf("migration for token: %w", ErrNotFound)
		}
		data := tx.Bucket(bucketMigrations).Get(id)
		if data == nil {
			return fmt.Errorf("migration %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) GetMigrationByVerificationToken(token string) (*types.Migration, error) {
	if token == "" {
		return nil, fmt.Errorf("empty verification token")
	}
	var found *types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.ForEach(func(k, v []byte) error {
			var m types.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.EmailVerificationToken == token {
				found = &m
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("migration for verification token: %w", ErrNotFound)
	}
	return found, nil
}

// FindActiveMigrationByDID returns the non-terminal migration for a DID, or
// nil if none exists. Completed and failed migrations do not block new ones.
func (s *BoltStore) FindActiveMigrationByDID(did string) (*types.Migration, error) {
	var found *types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.ForEach(func(k, v []byte) error {
			var m types.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.DID == did && !m.Status.Terminal() {
				found = &m
			}
			return nil
		})
	})
	return found, err
}

func (s *BoltStore) ListMigrations() ([]*types.Migration, error) {
	var migrations []*types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMigrations)
		return b.ForEach(func(k, v []byte) error {
			var m types.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			migrations = append(migrations, &m)
			return nil
		})
	})
	return migrations, err
}

func (s *BoltStore) ListMigrationsByStatus(status types.Status) ([]*types.Migration, error) {
	all, err := s.ListMigrations()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Migration
	for _, m := range all {
		if m.Status == status {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// CountActiveBlobMigrations counts migrations actively transferring blobs:
// in pending_blobs with the blob phase started but not finished. This is the
// admission-control measure; it is best-effort and may briefly over-admit.
func (s *BoltStore) CountActiveBlobMigrations() (int, error) {
	inPhase, err := s.ListMigrationsByStatus(types.StatusPendingBlobs)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range inPhase {
		if m.Progress.BlobsStartedAt != nil && m.Progress.BlobsCompletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *BoltStore) UpdateMigration(m *types.Migration) error {
	m.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putMigration(tx, m)
	})
}

func (s *BoltStore) UpdateMigrationWithJob(m *types.Migration, job *types.Job) error {
	m.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putMigration(tx, m); err != nil {
			return err
		}
		if job != nil {
			return putJob(tx, job)
		}
		return nil
	})
}

func putMigration(tx *bolt.Tx, m *types.Migration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMigrations).Put([]byte(m.ID), data)
}

// Job queue operations
//
// Keys order the bucket by (priority desc, run-at asc, id), so a forward
// cursor scan visits jobs in dispatch order.

func jobKey(job *types.Job) []byte {
	return []byte(fmt.Sprintf("%02d:%020d:%s",
		99-types.QueuePriority(job.Queue), job.RunAt.UnixNano(), job.ID))
}

func putJob(tx *bolt.Tx, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put(jobKey(job), data)
}

func (s *BoltStore) EnqueueJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx, job)
	})
}

// DequeueDueJob pops the highest-priority due job, or returns nil when
// nothing is runnable yet.
func (s *BoltStore) DequeueDueJob(now time.Time) (*types.Job, error) {
	var job *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if !j.Due(now) {
				// Within a priority band keys are run-at ordered, but a
				// lower band may still hold a due job.
				continue
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			job = &j
			return nil
		}
		return nil
	})
	return job, err
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			jobs = append(jobs, &j)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) DeleteJobsForMigration(migrationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.MigrationID == migrationID {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
