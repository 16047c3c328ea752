package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	subjects []string
}

func (a *alertRecorder) SendVerification(to, token, url string) error { return nil }
func (a *alertRecorder) SendAdminAlert(subject, body string) error {
	a.subjects = append(a.subjects, subject)
	return nil
}

func newTestRunner(t *testing.T) (*Runner, storage.Store, *alertRecorder) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	alerts := &alertRecorder{}
	sm := migrate.NewStateMachine(store, nil)
	return NewRunner(store, sm, nil, alerts, 1), store, alerts
}

func seedMigration(t *testing.T, store storage.Store, status types.Status) *types.Migration {
	t.Helper()
	now := time.Now()
	m := &types.Migration{
		ID:              "mig-1",
		Token:           "pdsm-aaaabbbbccccdddd",
		DID:             "did:plc:alice",
		Status:          status,
		EmailVerifiedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.CreateMigration(m))
	return m
}

func enqueue(t *testing.T, store storage.Store, phase, queue string, attempt int) *types.Job {
	t.Helper()
	now := time.Now()
	job := &types.Job{
		ID: "job-1", Queue: queue, Phase: phase, MigrationID: "mig-1",
		Attempt: attempt, MaxAttempts: 3, RunAt: now, CreatedAt: now,
	}
	require.NoError(t, store.EnqueueJob(job))
	return job
}

func TestRunOneDispatchesToHandler(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingRepo)
	enqueue(t, store, migrate.PhaseImportRepo, types.QueueMigrations, 1)

	ran := false
	r.Register(migrate.PhaseImportRepo, func(ctx context.Context, job *types.Job) error {
		ran = true
		return nil
	})

	did, err := r.RunOne(time.Now())
	require.NoError(t, err)
	assert.True(t, did)
	assert.True(t, ran)

	// Queue is empty afterwards.
	did, err = r.RunOne(time.Now())
	require.NoError(t, err)
	assert.False(t, did)
}

func TestTerminalMigrationDropsJob(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusCancelled)
	enqueue(t, store, migrate.PhaseImportRepo, types.QueueMigrations, 1)

	ran := false
	r.Register(migrate.PhaseImportRepo, func(ctx context.Context, job *types.Job) error {
		ran = true
		return nil
	})

	_, err := r.RunOne(time.Now())
	require.NoError(t, err)
	assert.False(t, ran, "jobs for terminal migrations are dropped")
}

func TestNetworkErrorRetriesWithDelay(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingRepo)
	enqueue(t, store, migrate.PhaseImportRepo, types.QueueMigrations, 1)

	r.Register(migrate.PhaseImportRepo, func(ctx context.Context, job *types.Job) error {
		return types.Errorf(types.ErrNetwork, "pds.import_repo", "connection reset")
	})

	_, err := r.RunOne(time.Now())
	require.NoError(t, err)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempt)
	assert.True(t, jobs[0].RunAt.After(time.Now().Add(20*time.Second)),
		"first retry is delayed by the exponential ladder")

	m, err := store.GetMigration("mig-1")
	require.NoError(t, err)
	assert.Equal(t, 2, m.CurrentJobAttempt)
	assert.Equal(t, 7, m.CurrentJobMaxAttempts, "repo import gets the widened budget")
	assert.Contains(t, m.LastError, "connection reset")
	assert.Equal(t, types.StatusPendingRepo, m.Status, "not failed yet")
}

func TestExhaustedRetriesFailMigration(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingAccount)
	enqueue(t, store, migrate.PhaseCreateAccount, types.QueueMigrations, 3)

	r.Register(migrate.PhaseCreateAccount, func(ctx context.Context, job *types.Job) error {
		return types.Errorf(types.ErrNetwork, "pds.create_account", "unreachable")
	})

	_, err := r.RunOne(time.Now())
	require.NoError(t, err)

	m, err := store.GetMigration("mig-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, m.Status)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAccountExistsNeverRetries(t *testing.T) {
	r, store, alerts := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingAccount)
	enqueue(t, store, migrate.PhaseCreateAccount, types.QueueMigrations, 1)

	r.Register(migrate.PhaseCreateAccount, func(ctx context.Context, job *types.Job) error {
		return &types.Error{
			Kind: types.ErrAccountExists, Op: "pds.create_account",
			Msg: "account already exists", Orphaned: true,
		}
	})

	_, err := r.RunOne(time.Now())
	require.NoError(t, err)

	m, err := store.GetMigration("mig-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, m.Status)
	assert.Contains(t, m.LastError, "Orphaned deactivated account")

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs, "no retry for account-exists")
	assert.Len(t, alerts.subjects, 1)
}

func TestCriticalProtocolErrorFailsImmediatelyAndAlerts(t *testing.T) {
	r, store, alerts := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingPLC)
	enqueue(t, store, migrate.PhaseSubmitPLC, types.QueueCritical, 1)

	r.Register(migrate.PhaseSubmitPLC, func(ctx context.Context, job *types.Job) error {
		return types.Errorf(types.ErrProtocol, "pds.submit_plc", "directory rejected operation")
	})

	_, err := r.RunOne(time.Now())
	require.NoError(t, err)

	m, err := store.GetMigration("mig-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, m.Status)
	assert.Len(t, alerts.subjects, 1)
}

func TestCriticalRateLimitStillRetries(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingPLC)
	enqueue(t, store, migrate.PhaseSubmitPLC, types.QueueCritical, 1)

	r.Register(migrate.PhaseSubmitPLC, func(ctx context.Context, job *types.Job) error {
		return types.Errorf(types.ErrRateLimit, "pds.submit_plc", "slow down")
	})

	_, err := r.RunOne(time.Now())
	require.NoError(t, err)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1, "rate limits retry even on critical")
	assert.Equal(t, 2, jobs[0].Attempt)
}

func TestRetryAfterDefersWithoutChargingAttempt(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingBlobs)
	enqueue(t, store, migrate.PhaseImportBlobs, types.QueueMigrations, 1)

	r.Register(migrate.PhaseImportBlobs, func(ctx context.Context, job *types.Job) error {
		return RetryAfter(30 * time.Second)
	})

	_, err := r.RunOne(time.Now())
	require.NoError(t, err)

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt, "deferral does not consume an attempt")
	assert.True(t, jobs[0].RunAt.After(time.Now().Add(25*time.Second)))
}

func TestRetryDelayLadders(t *testing.T) {
	assert.Equal(t, 10*time.Second, retryDelay(types.ErrRateLimit, 1))
	assert.Equal(t, 40*time.Second, retryDelay(types.ErrRateLimit, 2))
	assert.Equal(t, 90*time.Second, retryDelay(types.ErrRateLimit, 3))

	assert.Equal(t, 30*time.Second, retryDelay(types.ErrNetwork, 1))
	assert.Equal(t, 60*time.Second, retryDelay(types.ErrNetwork, 2))
	assert.Equal(t, 120*time.Second, retryDelay(types.ErrNetwork, 3))
}

func TestRecoverReenqueuesStrandedMigration(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingRepo)

	require.NoError(t, r.Recover())

	queued, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, migrate.PhaseImportRepo, queued[0].Phase)
	assert.Equal(t, "mig-1", queued[0].MigrationID)

	m, err := store.GetMigration("mig-1")
	require.NoError(t, err)
	assert.Equal(t, migrate.PhaseImportRepo, m.CurrentJobStep)
}

func TestRecoverLeavesQueuedWorkAlone(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusPendingBlobs)
	enqueue(t, store, migrate.PhaseImportBlobs, types.QueueMigrations, 2)

	require.NoError(t, r.Recover())

	queued, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 2, queued[0].Attempt, "the in-flight job is kept, not replaced")
}

func TestRecoverSkipsTerminalAndUnverifiedMigrations(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusFailed)

	now := time.Now()
	unverified := &types.Migration{
		ID: "mig-2", Token: "pdsm-eeeeffffgggghhhh", DID: "did:plc:bob",
		Status: types.StatusPendingDownload, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateMigration(unverified))

	require.NoError(t, r.Recover())

	queued, err := store.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestRecoverRespectsDirectoryWait(t *testing.T) {
	r, store, _ := newTestRunner(t)
	m := seedMigration(t, store, types.StatusPendingPLC)

	require.NoError(t, r.Recover())
	queued, err := store.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, queued, "waiting on the user, nothing to re-drive")

	// A crash after the token was stored but before submit_plc ran is
	// recoverable.
	m.Credentials.PLCToken = &types.EncryptedField{Ciphertext: []byte("sealed")}
	require.NoError(t, store.UpdateMigration(m))

	require.NoError(t, r.Recover())
	queued, err = store.ListJobs()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, migrate.PhaseSubmitPLC, queued[0].Phase)
	assert.Equal(t, types.QueueCritical, queued[0].Queue)
}

func TestRecoverFinishesBackupReadyPassThrough(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedMigration(t, store, types.StatusBackupReady)

	require.NoError(t, r.Recover())

	m, err := store.GetMigration("mig-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingAccount, m.Status)

	queued, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, migrate.PhaseCreateAccount, queued[0].Phase)
}
