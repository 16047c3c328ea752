package migrate

import (
	"fmt"
	"time"

	"github.com/driftsky/pdsmover/pkg/events"
	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/metrics"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/google/uuid"
)

// Phase names. One phase owns one state transition.
const (
	PhaseDownloadData  = "download_data"
	PhaseBuildBackup   = "build_backup"
	PhaseCreateAccount = "create_account"
	PhaseImportRepo    = "import_repo"
	PhaseImportBlobs   = "import_blobs"
	PhaseImportPrefs   = "import_prefs"
	PhaseSubmitPLC     = "submit_plc"
	PhaseActivate      = "activate_account"

	// PhaseRetryBlobs is operator-triggered: re-run only the failed subset.
	PhaseRetryBlobs = "retry_blobs"
)

// edges is the declared transition set. Advancing along anything else is a
// bug, not a recoverable condition.
var edges = map[types.Status]types.Status{
	types.StatusPendingDownload:   types.StatusPendingBackup,
	types.StatusPendingBackup:     types.StatusBackupReady,
	types.StatusBackupReady:       types.StatusPendingAccount,
	types.StatusPendingAccount:    types.StatusPendingRepo,
	types.StatusPendingRepo:       types.StatusPendingBlobs,
	types.StatusPendingBlobs:      types.StatusPendingPrefs,
	types.StatusPendingPrefs:      types.StatusPendingPLC,
	types.StatusPendingPLC:        types.StatusPendingActivation,
	types.StatusPendingActivation: types.StatusCompleted,
}

// phaseForStatus maps a status to the phase job that runs while in it.
var phaseForStatus = map[types.Status]string{
	types.StatusPendingDownload:   PhaseDownloadData,
	types.StatusPendingBackup:     PhaseBuildBackup,
	types.StatusPendingAccount:    PhaseCreateAccount,
	types.StatusPendingRepo:       PhaseImportRepo,
	types.StatusPendingBlobs:      PhaseImportBlobs,
	types.StatusPendingPrefs:      PhaseImportPrefs,
	types.StatusPendingPLC:        PhaseSubmitPLC,
	types.StatusPendingActivation: PhaseActivate,
}

// PhaseForStatus returns the phase job that runs while in status. False for
// terminals and for states that wait on the user.
func PhaseForStatus(status types.Status) (string, bool) {
	phase, ok := phaseForStatus[status]
	return phase, ok
}

// EntryStatus returns the status a phase expects on entry, used by the
// idempotency gate and by operator retry.
func EntryStatus(phase string) (types.Status, bool) {
	for status, p := range phaseForStatus {
		if p == phase {
			return status, true
		}
	}
	if phase == PhaseRetryBlobs {
		return types.StatusPendingBlobs, true
	}
	return "", false
}

// QueueForPhase returns the queue a phase runs on. The two irreversible
// phases run on critical.
func QueueForPhase(phase string) string {
	switch phase {
	case PhaseSubmitPLC, PhaseActivate:
		return types.QueueCritical
	default:
		return types.QueueMigrations
	}
}

// MaxAttemptsForPhase returns the baseline attempt budget. The job runtime
// widens or narrows it per error class.
func MaxAttemptsForPhase(phase string) int {
	if phase == PhaseImportRepo {
		return 7
	}
	return 3
}

// StateMachine advances migrations through the declared edge set, persisting
// the status change and the next phase's job in one transaction.
type StateMachine struct {
	store  storage.Store
	broker *events.Broker
}

// NewStateMachine creates a state machine over the given store.
func NewStateMachine(store storage.Store, broker *events.Broker) *StateMachine {
	return &StateMachine{store: store, broker: broker}
}

// BuildJob constructs a due job for the given phase and mirrors the attempt
// bookkeeping onto the migration record.
func BuildJob(m *types.Migration, phase string) *types.Job {
	now := time.Now()
	job := &types.Job{
		ID:          uuid.New().String(),
		Queue:       QueueForPhase(phase),
		Phase:       phase,
		MigrationID: m.ID,
		Attempt:     1,
		MaxAttempts: MaxAttemptsForPhase(phase),
		RunAt:       now,
		CreatedAt:   now,
	}
	m.CurrentJobStep = phase
	m.CurrentJobAttempt = 1
	m.CurrentJobMaxAttempts = job.MaxAttempts
	return job
}

// Advance moves m to target. Only declared edges are accepted. The status
// write and the next job's enqueue happen in the same transaction; entering
// pending_plc enqueues nothing because the next step waits on the user.
func (sm *StateMachine) Advance(m *types.Migration, target types.Status) error {
	if edges[m.Status] != target {
		return types.Errorf(types.ErrValidation, "migrate.advance",
			"no edge from %s to %s", m.Status, target)
	}

	from := m.Status
	m.Status = target

	switch target {
	case types.StatusBackupReady:
		// Auto-edge: the bundle is built, nothing runs in backup_ready.
		// Persist the intermediate state and continue to pending_account.
		if err := sm.store.UpdateMigration(m); err != nil {
			m.Status = from
			return err
		}
		return sm.Advance(m, types.StatusPendingAccount)

	case types.StatusCompleted:
		now := time.Now()
		m.Progress.CompletedAt = &now
		m.Credentials.PurgeOnCompletion()
		m.CurrentJobStep = ""
		if err := sm.store.UpdateMigration(m); err != nil {
			m.Status = from
			return err
		}
		metrics.MigrationsCompleted.Inc()
		if sm.broker != nil {
			sm.broker.Publish(&events.Event{
				Type:     events.EventMigrationCompleted,
				Message:  fmt.Sprintf("migration %s completed", m.ID),
				Metadata: map[string]string{"migration_id": m.ID, "did": m.DID},
			})
		}
		return nil

	case types.StatusPendingPLC:
		// Human-in-the-loop wait: the critical submit job is enqueued when
		// the user pastes the directory token back in.
		m.CurrentJobStep = PhaseSubmitPLC
		m.CurrentJobAttempt = 0
		if err := sm.store.UpdateMigration(m); err != nil {
			m.Status = from
			return err
		}

	default:
		job := BuildJob(m, phaseForStatus[target])
		if err := sm.store.UpdateMigrationWithJob(m, job); err != nil {
			m.Status = from
			return err
		}
	}

	log.WithMigration(m.ID).Info().
		Str("from", string(from)).
		Str("to", string(target)).
		Msg("migration advanced")
	return nil
}

// MarkFailed sets the failed terminal. Credentials are left in place until
// their TTLs lapse so an operator retry can still authenticate; the
// housekeeper scrubs them on expiry.
func (sm *StateMachine) MarkFailed(m *types.Migration, cause error) error {
	if m.Status.Terminal() {
		return nil
	}
	phase := m.CurrentJobStep
	m.Status = types.StatusFailed
	m.LastError = cause.Error()
	m.RetryCount++
	if err := sm.store.UpdateMigration(m); err != nil {
		return err
	}

	metrics.MigrationsFailed.WithLabelValues(phase).Inc()
	if sm.broker != nil {
		sm.broker.Publish(&events.Event{
			Type:    events.EventMigrationFailed,
			Message: fmt.Sprintf("migration %s failed: %v", m.ID, cause),
			Metadata: map[string]string{
				"migration_id": m.ID,
				"phase":        phase,
				"error_kind":   string(types.KindOf(cause)),
			},
		})
	}
	return nil
}

// CanCancel reports whether m may still be cancelled: strictly before the
// irreversible directory update and not already terminal.
func CanCancel(m *types.Migration) bool {
	return !m.Status.Terminal() && m.Status.Before(types.StatusPendingPLC)
}

// MarkCancelled sets the cancelled terminal, purges credentials, and drops
// any queued jobs. Running jobs observe the status at their next entry gate.
func (sm *StateMachine) MarkCancelled(m *types.Migration) error {
	if !CanCancel(m) {
		return types.Errorf(types.ErrValidation, "migrate.cancel",
			"migration in %s can no longer be cancelled", m.Status)
	}
	m.Status = types.StatusCancelled
	m.Credentials.PurgeOnCompletion()
	m.CurrentJobStep = ""
	if err := sm.store.UpdateMigration(m); err != nil {
		return err
	}
	if err := sm.store.DeleteJobsForMigration(m.ID); err != nil {
		return err
	}
	if sm.broker != nil {
		sm.broker.Publish(&events.Event{
			Type:     events.EventMigrationCancelled,
			Message:  fmt.Sprintf("migration %s cancelled", m.ID),
			Metadata: map[string]string{"migration_id": m.ID, "did": m.DID},
		})
	}
	return nil
}
