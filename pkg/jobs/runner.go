package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftsky/pdsmover/pkg/events"
	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/metrics"
	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/notify"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
)

// HandlerFunc executes one phase job.
type HandlerFunc func(ctx context.Context, job *types.Job) error

// retryAfterError asks for a plain delayed re-enqueue without charging an
// attempt. Used by admission control.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.delay)
}

// RetryAfter returns an error that re-enqueues the job after d without
// consuming an attempt.
func RetryAfter(d time.Duration) error {
	return &retryAfterError{delay: d}
}

// Runner polls the durable queue and dispatches jobs to phase handlers,
// applying the per-error-class retry policies.
type Runner struct {
	store   storage.Store
	sm      *migrate.StateMachine
	broker  *events.Broker
	mailer  notify.Mailer
	workers int
	poll    time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a runner with the given worker count.
func NewRunner(store storage.Store, sm *migrate.StateMachine, broker *events.Broker, mailer notify.Mailer, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		store:    store,
		sm:       sm,
		broker:   broker,
		mailer:   mailer,
		workers:  workers,
		poll:     time.Second,
		handlers: make(map[string]HandlerFunc),
		stopCh:   make(chan struct{}),
	}
}

// WithPollInterval overrides the queue poll interval. Used in tests.
func (r *Runner) WithPollInterval(d time.Duration) *Runner {
	r.poll = d
	return r
}

// Register binds a phase name to its handler.
func (r *Runner) Register(phase string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[phase] = fn
}

// Start recovers stranded migrations and launches the worker pool.
func (r *Runner) Start() {
	if err := r.Recover(); err != nil {
		log.WithComponent("jobs").Error().Err(err).Msg("startup recovery failed")
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

// Recover re-enqueues work for migrations stranded by a crash. Dequeue
// deletes a job before its handler runs, so a process death mid-phase leaves
// a non-terminal migration with nothing queued to drive it.
func (r *Runner) Recover() error {
	queued, err := r.store.ListJobs()
	if err != nil {
		return err
	}
	pending := make(map[string]bool, len(queued))
	for _, j := range queued {
		pending[j.MigrationID] = true
	}

	migrations, err := r.store.ListMigrations()
	if err != nil {
		return err
	}

	logger := log.WithComponent("jobs")
	for _, m := range migrations {
		if m.Status.Terminal() || pending[m.ID] {
			continue
		}
		if m.EmailVerifiedAt == nil {
			// No work starts before the verification gate.
			continue
		}
		if m.Status == types.StatusBackupReady {
			// Died between the bundle write and the pass-through edge.
			if err := r.sm.Advance(m, types.StatusPendingAccount); err != nil {
				logger.Error().Err(err).Str("migration_id", m.ID).Msg("recovery advance failed")
			}
			continue
		}
		if m.Status == types.StatusPendingPLC && m.Credentials.PLCToken == nil {
			// Waiting on the user to paste the directory token.
			continue
		}
		phase, ok := migrate.PhaseForStatus(m.Status)
		if !ok {
			// Awaiting email verification; the user drives the next step.
			continue
		}
		job := migrate.BuildJob(m, phase)
		if err := r.store.UpdateMigrationWithJob(m, job); err != nil {
			logger.Error().Err(err).Str("migration_id", m.ID).Msg("recovery enqueue failed")
			continue
		}
		logger.Info().
			Str("migration_id", m.ID).
			Str("phase", phase).
			Msg("re-enqueued stranded migration")
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()
	logger := log.WithComponent("jobs").With().Int("worker", id).Logger()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		// Drain everything due before going back to sleep.
		for {
			job, err := r.store.DequeueDueJob(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("dequeue failed")
				break
			}
			if job == nil {
				break
			}
			r.execute(job)

			select {
			case <-r.stopCh:
				return
			default:
			}
		}
	}
}

// RunOne dequeues and executes a single due job. Returns false when nothing
// was due. Used by tests and the drain path.
func (r *Runner) RunOne(now time.Time) (bool, error) {
	job, err := r.store.DequeueDueJob(now)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.execute(job)
	return true, nil
}

func (r *Runner) execute(job *types.Job) {
	logger := log.WithPhase(job.MigrationID, job.Phase)

	r.mu.RLock()
	handler, ok := r.handlers[job.Phase]
	r.mu.RUnlock()
	if !ok {
		logger.Error().Msg("no handler registered for phase, dropping job")
		metrics.JobsProcessed.WithLabelValues(job.Phase, "dropped").Inc()
		return
	}

	// Jobs for terminal migrations are stale; drop them.
	m, err := r.store.GetMigration(job.MigrationID)
	if err != nil {
		logger.Warn().Err(err).Msg("migration not found, dropping job")
		return
	}
	if m.Status.Terminal() {
		logger.Debug().Str("status", string(m.Status)).Msg("migration terminal, dropping job")
		return
	}

	timer := metrics.NewTimer()
	err = handler(context.Background(), job)
	timer.ObserveDuration(metrics.PhaseDuration.WithLabelValues(job.Phase))

	if err == nil {
		metrics.JobsProcessed.WithLabelValues(job.Phase, "success").Inc()
		return
	}

	var ra *retryAfterError
	if errors.As(err, &ra) {
		job.RunAt = time.Now().Add(ra.delay)
		if err := r.store.EnqueueJob(job); err != nil {
			logger.Error().Err(err).Msg("re-enqueue failed")
		}
		metrics.JobsProcessed.WithLabelValues(job.Phase, "deferred").Inc()
		return
	}

	r.handleFailure(job, err)
}

func (r *Runner) handleFailure(job *types.Job, cause error) {
	logger := log.WithPhase(job.MigrationID, job.Phase)
	kind := types.KindOf(cause)

	maxAttempts := attemptBudget(kind, job)
	if job.Attempt < maxAttempts {
		delay := retryDelay(kind, job.Attempt)
		job.Attempt++
		job.RunAt = time.Now().Add(delay)

		if m, err := r.store.GetMigration(job.MigrationID); err == nil {
			m.CurrentJobAttempt = job.Attempt
			m.CurrentJobMaxAttempts = maxAttempts
			m.LastError = cause.Error()
			r.store.UpdateMigrationWithJob(m, job)
		} else {
			r.store.EnqueueJob(job)
		}

		logger.Warn().
			Err(cause).
			Str("error_kind", string(kind)).
			Int("attempt", job.Attempt).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("phase failed, retrying")
		metrics.JobsRetried.WithLabelValues(job.Phase, string(kind)).Inc()
		return
	}

	// Retries exhausted (or the class does not retry): terminal failure.
	logger.Error().
		Err(cause).
		Str("error_kind", string(kind)).
		Int("attempts", job.Attempt).
		Msg("phase failed permanently")
	metrics.JobsProcessed.WithLabelValues(job.Phase, "failed").Inc()

	m, err := r.store.GetMigration(job.MigrationID)
	if err != nil {
		return
	}
	if err := r.sm.MarkFailed(m, failureMessage(kind, cause)); err != nil {
		logger.Error().Err(err).Msg("marking migration failed")
	}

	if job.Queue == types.QueueCritical || kind == types.ErrAccountExists {
		r.alert(m, job, cause)
	}
}

// failureMessage attaches operator instructions to the stored error for the
// classes that need human intervention.
func failureMessage(kind types.ErrorKind, cause error) error {
	switch kind {
	case types.ErrAccountExists:
		if types.IsOrphanedAccount(cause) {
			return fmt.Errorf(
				"Orphaned deactivated account on target; delete it with operator tooling and retry: %w", cause)
		}
		return fmt.Errorf(
			"An active account with this DID already exists on the target; migration impossible: %w", cause)
	default:
		return cause
	}
}

func (r *Runner) alert(m *types.Migration, job *types.Job, cause error) {
	subject := fmt.Sprintf("migration %s failed in %s", m.ID, job.Phase)
	body := fmt.Sprintf("did: %s\nphase: %s\nerror: %v\n", m.DID, job.Phase, cause)
	if r.mailer != nil {
		if err := r.mailer.SendAdminAlert(subject, body); err != nil {
			log.WithMigration(m.ID).Warn().Err(err).Msg("admin alert failed to send")
		}
	}
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventAdminAlert,
			Message: subject,
			Metadata: map[string]string{
				"migration_id": m.ID,
				"phase":        job.Phase,
				"error":        cause.Error(),
			},
		})
	}
}

// attemptBudget returns the attempt ceiling for an error class on this job.
func attemptBudget(kind types.ErrorKind, job *types.Job) int {
	switch kind {
	case types.ErrRateLimit:
		if job.Queue == types.QueueCritical {
			return 3
		}
		return 5
	case types.ErrNetwork, types.ErrTimeout:
		if job.Phase == migrate.PhaseImportRepo {
			return 7
		}
		return 3
	case types.ErrAuthentication:
		return 3
	case types.ErrAccountExists, types.ErrValidation:
		return 0 // discarded, never retried
	case types.ErrProtocol:
		if job.Queue == types.QueueCritical {
			return 0 // fail fast on the irreversible phases
		}
		return 3
	default:
		return 3
	}
}

// retryDelay computes the backoff before the next attempt. Rate limits get a
// polynomial ramp; everything else doubles. The delay is derived from the
// attempt number because the job is re-persisted between attempts and no
// in-memory backoff state survives.
func retryDelay(kind types.ErrorKind, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if kind == types.ErrRateLimit {
		return 10 * time.Second * time.Duration(attempt*attempt)
	}
	return 30 * time.Second * time.Duration(1<<(attempt-1))
}
