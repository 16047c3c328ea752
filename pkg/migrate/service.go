package migrate

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/driftsky/pdsmover/pkg/events"
	"github.com/driftsky/pdsmover/pkg/identity"
	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/metrics"
	"github.com/driftsky/pdsmover/pkg/notify"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/driftsky/pdsmover/pkg/vault"
	"github.com/google/uuid"
)

// Credential TTLs per field class.
const (
	CredentialTTL = 48 * time.Hour
	PLCTokenTTL   = time.Hour
)

// Deployment modes.
const (
	ModeStandalone = "standalone"
	ModeBound      = "bound"
)

// Invite code modes.
const (
	InviteRequired = "required"
	InviteOptional = "optional"
	InviteHidden   = "hidden"
)

// Config holds the service-level settings.
type Config struct {
	DirectoryHost  string
	TargetPDSHost  string
	DeploymentMode string
	InviteCodeMode string
	DataDir        string
	PublicURL      string
}

// HandleResolver resolves a handle to its DID and current PDS endpoint.
// Satisfied by identity.Resolver.
type HandleResolver interface {
	ResolveHandleToPDS(ctx context.Context, handle string) (string, string, error)
}

// Service implements the form-handler operations: creation, verification,
// status, directory-token submission, cancel, retry.
type Service struct {
	store    storage.Store
	vault    *vault.Vault
	sm       *StateMachine
	broker   *events.Broker
	mailer   notify.Mailer
	resolver HandleResolver
	cfg      Config

	// lookup overrides the SSRF host resolution in tests.
	lookup identity.LookupFunc
}

// NewService wires the migration service.
func NewService(store storage.Store, v *vault.Vault, sm *StateMachine, broker *events.Broker, mailer notify.Mailer, resolver HandleResolver, cfg Config) *Service {
	return &Service{
		store:    store,
		vault:    v,
		sm:       sm,
		broker:   broker,
		mailer:   mailer,
		resolver: resolver,
		cfg:      cfg,
	}
}

// WithLookup overrides host resolution for the SSRF guard. Used in tests.
func (s *Service) WithLookup(fn identity.LookupFunc) *Service {
	s.lookup = fn
	return s
}

// CreateRequest is the explicit allowlist of creation parameters.
type CreateRequest struct {
	Email              string `json:"email"`
	OldHandle          string `json:"old_handle"`
	NewHandle          string `json:"new_handle,omitempty"`
	NewPDSHost         string `json:"new_pds_host,omitempty"`
	Password           string `json:"password"`
	InviteCode         string `json:"invite_code,omitempty"`
	CreateBackupBundle bool   `json:"create_backup_bundle"`
	MigrationType      string `json:"migration_type,omitempty"`
}

// CreateMigration validates the request, resolves the account's identity,
// persists the record, and sends the verification email. No work is enqueued
// until the email is verified.
func (s *Service) CreateMigration(ctx context.Context, req CreateRequest) (*types.Migration, error) {
	const op = "migrate.create"

	if err := identity.ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := identity.ValidateHandle(req.OldHandle); err != nil {
		return nil, err
	}
	if req.NewHandle != "" {
		if err := identity.ValidateHandle(req.NewHandle); err != nil {
			return nil, err
		}
	}
	if req.Password == "" {
		return nil, types.Errorf(types.ErrValidation, op, "password is required")
	}

	switch s.cfg.InviteCodeMode {
	case InviteRequired:
		if req.InviteCode == "" {
			return nil, types.Errorf(types.ErrValidation, op, "invite code is required")
		}
	case InviteHidden:
		req.InviteCode = ""
	}

	mtype := types.MigrationOut
	switch req.MigrationType {
	case "", string(types.MigrationOut):
	case string(types.MigrationIn):
		mtype = types.MigrationIn
	default:
		return nil, types.Errorf(types.ErrValidation, op,
			"unknown migration type %q", req.MigrationType)
	}

	did, oldHost, err := s.resolver.ResolveHandleToPDS(ctx, req.OldHandle)
	if err != nil {
		return nil, err
	}

	newHost := req.NewPDSHost
	if s.cfg.DeploymentMode == ModeBound {
		newHost = s.cfg.TargetPDSHost
	}
	if newHost == "" {
		return nil, types.Errorf(types.ErrValidation, op, "target PDS host is required")
	}

	oldHost, err = identity.NormalizeHost(oldHost)
	if err != nil {
		return nil, err
	}
	if err := identity.ValidatePublicHost(oldHost, s.lookup); err != nil {
		return nil, err
	}
	newHost, err = identity.NormalizeHost(newHost)
	if err != nil {
		return nil, err
	}
	if err := identity.ValidatePublicHost(newHost, s.lookup); err != nil {
		return nil, err
	}

	if existing, err := s.store.FindActiveMigrationByDID(did); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, types.Errorf(types.ErrValidation, op,
			"an active migration already exists for %s", did)
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	newHandle := req.NewHandle
	if newHandle == "" {
		newHandle = req.OldHandle
	}

	now := time.Now()
	m := &types.Migration{
		ID:                     uuid.New().String(),
		Token:                  token,
		DID:                    did,
		Email:                  req.Email,
		OldHandle:              req.OldHandle,
		NewHandle:              newHandle,
		OldPDSHost:             oldHost,
		NewPDSHost:             newHost,
		Type:                   mtype,
		CreateBackupBundle:     req.CreateBackupBundle,
		EmailVerificationToken: uuid.New().String(),
		DownloadedDataPath:     filepath.Join(s.cfg.DataDir, "work", identity.WorkdirName(did)),
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	// First phase depends on whether the user wants a backup bundle.
	if req.CreateBackupBundle {
		m.Status = types.StatusPendingDownload
	} else {
		m.Status = types.StatusPendingAccount
	}

	if m.Credentials.OldPDSPassword, err = s.vault.SealField(req.Password, CredentialTTL); err != nil {
		return nil, err
	}
	if req.InviteCode != "" {
		if m.Credentials.InviteCode, err = s.vault.SealField(req.InviteCode, CredentialTTL); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateMigration(m); err != nil {
		return nil, types.NewError(types.ErrValidation, op, err)
	}

	verifyURL := fmt.Sprintf("%s/api/migrations/%s/verify?code=%s",
		s.cfg.PublicURL, m.Token, m.EmailVerificationToken)
	if err := s.mailer.SendVerification(m.Email, m.EmailVerificationToken, verifyURL); err != nil {
		log.WithMigration(m.ID).Warn().Err(err).Msg("verification email failed to send")
	}

	metrics.MigrationsCreated.Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventMigrationCreated,
			Message:  fmt.Sprintf("migration created for %s", did),
			Metadata: map[string]string{"migration_id": m.ID, "did": did},
		})
	}
	return m, nil
}

// VerifyEmail flips the verification gate and enqueues the first phase.
func (s *Service) VerifyEmail(migrationToken, verificationToken string) (*types.Migration, error) {
	const op = "migrate.verify_email"

	m, err := s.store.GetMigrationByToken(migrationToken)
	if err != nil {
		return nil, err
	}
	if m.EmailVerifiedAt != nil {
		return m, nil // already verified, idempotent
	}
	if verificationToken == "" || m.EmailVerificationToken != verificationToken {
		return nil, types.Errorf(types.ErrValidation, op, "verification token does not match")
	}

	now := time.Now()
	m.EmailVerifiedAt = &now

	job := BuildJob(m, phaseForStatus[m.Status])
	if err := s.store.UpdateMigrationWithJob(m, job); err != nil {
		return nil, err
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventMigrationVerified,
			Message:  fmt.Sprintf("migration %s verified, starting %s", m.ID, job.Phase),
			Metadata: map[string]string{"migration_id": m.ID, "phase": job.Phase},
		})
	}
	return m, nil
}

// StatusReport is the user-visible progress summary.
type StatusReport struct {
	Status             types.Status `json:"status"`
	ProgressPercentage int          `json:"progress_percentage"`
	EstimatedRemaining string       `json:"estimated_time_remaining,omitempty"`
	BlobCount          int          `json:"blob_count"`
	BlobsUploaded      int          `json:"blobs_uploaded"`
	BytesTransferred   int64        `json:"bytes_transferred"`
	LastError          string       `json:"last_error,omitempty"`
	Cancelled          bool         `json:"cancelled"`
	BackupAvailable    bool         `json:"backup_available"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// GetStatus returns the status report for a token.
func (s *Service) GetStatus(token string) (*StatusReport, error) {
	m, err := s.store.GetMigrationByToken(token)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Status:           m.Status,
		BlobCount:        m.Progress.BlobCount,
		BlobsUploaded:    m.Progress.BlobsUploaded,
		BytesTransferred: m.Progress.BytesTransferred,
		LastError:        m.LastError,
		Cancelled:        m.Status == types.StatusCancelled,
		BackupAvailable:  backupAvailable(m, time.Now()),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	report.ProgressPercentage, report.EstimatedRemaining = progressEstimate(m, time.Now())
	return report, nil
}

func backupAvailable(m *types.Migration, now time.Time) bool {
	return m.BackupBundlePath != "" &&
		m.BackupExpiresAt != nil && now.Before(*m.BackupExpiresAt)
}

// progressEstimate converts the status ordinal into a rough percentage,
// refined inside the blob phase by the per-blob counters, and projects an
// ETA from the observed blob throughput.
func progressEstimate(m *types.Migration, now time.Time) (int, string) {
	total := types.StatusCompleted.Ordinal()
	ord := m.Status.Ordinal()
	if ord < 0 {
		// failed/cancelled report the last known forward position as 0
		return 0, ""
	}

	pct := ord * 100 / total
	eta := ""

	if m.Status == types.StatusPendingBlobs && m.Progress.BlobCount > 0 {
		done := m.Progress.BlobsCompleted
		frac := float64(done) / float64(m.Progress.BlobCount)
		pct += int(frac * float64(100/total))

		if m.Progress.BlobsStartedAt != nil && done > 0 {
			elapsed := now.Sub(*m.Progress.BlobsStartedAt)
			perBlob := elapsed / time.Duration(done)
			remaining := perBlob * time.Duration(m.Progress.BlobCount-done)
			eta = remaining.Round(time.Second).String()
		}
	}
	if pct > 100 {
		pct = 100
	}
	return pct, eta
}

// SubmitDirectoryToken stores the user's one-time directory token and
// enqueues the critical submit phase. The token carries a tight TTL; an
// expired token fails the submit phase before anything irreversible happens.
func (s *Service) SubmitDirectoryToken(token, plcToken string) (*types.Migration, error) {
	const op = "migrate.submit_directory_token"

	m, err := s.store.GetMigrationByToken(token)
	if err != nil {
		return nil, err
	}
	if m.Status != types.StatusPendingPLC {
		return nil, types.Errorf(types.ErrValidation, op,
			"migration is in %s, not awaiting a directory token", m.Status)
	}
	if plcToken == "" {
		return nil, types.Errorf(types.ErrValidation, op, "directory token is required")
	}

	if m.Credentials.PLCToken, err = s.vault.SealField(plcToken, PLCTokenTTL); err != nil {
		return nil, err
	}

	job := BuildJob(m, PhaseSubmitPLC)
	if err := s.store.UpdateMigrationWithJob(m, job); err != nil {
		return nil, err
	}
	return m, nil
}

// Cancel moves a not-yet-irreversible migration to the cancelled terminal.
func (s *Service) Cancel(token string) (*types.Migration, error) {
	m, err := s.store.GetMigrationByToken(token)
	if err != nil {
		return nil, err
	}
	if err := s.sm.MarkCancelled(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Retry re-enters a failed migration at the phase recorded in
// current_job_step.
func (s *Service) Retry(token string) (*types.Migration, error) {
	const op = "migrate.retry"

	m, err := s.store.GetMigrationByToken(token)
	if err != nil {
		return nil, err
	}
	if m.Status != types.StatusFailed {
		return nil, types.Errorf(types.ErrValidation, op,
			"only failed migrations can be retried (status %s)", m.Status)
	}
	if m.CurrentJobStep == "" {
		return nil, types.Errorf(types.ErrValidation, op,
			"migration has no recorded phase to retry")
	}

	entry, ok := EntryStatus(m.CurrentJobStep)
	if !ok {
		return nil, types.Errorf(types.ErrValidation, op,
			"unknown phase %q", m.CurrentJobStep)
	}

	m.Status = entry
	m.LastError = ""
	job := BuildJob(m, m.CurrentJobStep)
	if err := s.store.UpdateMigrationWithJob(m, job); err != nil {
		return nil, err
	}

	log.WithMigration(m.ID).Info().
		Str("phase", job.Phase).
		Msg("migration reset for retry")
	return m, nil
}

// RetryFailedBlobs enqueues an operator-triggered re-run over only the blobs
// in the failed sets.
func (s *Service) RetryFailedBlobs(token string) (*types.Migration, error) {
	const op = "migrate.retry_failed_blobs"

	m, err := s.store.GetMigrationByToken(token)
	if err != nil {
		return nil, err
	}
	failed := append(append([]string{}, m.Progress.FailedDownloads...), m.Progress.FailedUploads...)
	if len(failed) == 0 && len(m.Progress.FailedBlobs) > 0 {
		failed = m.Progress.FailedBlobs
	}
	if len(failed) == 0 {
		return nil, types.Errorf(types.ErrValidation, op, "no failed blobs recorded")
	}

	job := BuildJob(m, PhaseRetryBlobs)
	job.Payload = map[string]string{"cids": joinCIDs(failed)}
	if err := s.store.UpdateMigrationWithJob(m, job); err != nil {
		return nil, err
	}
	return m, nil
}

func joinCIDs(cids []string) string {
	out := ""
	for i, c := range cids {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
