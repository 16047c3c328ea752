package phases

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftsky/pdsmover/pkg/backup"
	"github.com/driftsky/pdsmover/pkg/events"
	"github.com/driftsky/pdsmover/pkg/jobs"
	"github.com/driftsky/pdsmover/pkg/keygen"
	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/pds"
	"github.com/driftsky/pdsmover/pkg/transfer"
	"github.com/driftsky/pdsmover/pkg/types"
)

// DownloadData exports the repository archive and pulls every blob into the
// working directory. Runs only for backup-bundle migrations.
func (p *Phases) DownloadData(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseDownloadData)
	if err != nil || !ok {
		return err
	}

	src, err := p.sourceClient(ctx, m)
	if err != nil {
		return err
	}
	wd, err := workdir(m)
	if err != nil {
		return err
	}

	carPath := filepath.Join(wd, "repo.car")
	if err := src.ExportRepo(ctx, m.DID, carPath); err != nil {
		return err
	}
	m.Progress.RepoExportedAt = now()

	cids, err := src.ListBlobs(ctx, m.DID)
	if err != nil {
		return err
	}
	m.Progress.BlobCount = len(cids)
	m.EstimatedMemoryMB = transfer.EstimateMemoryMB(len(cids), transfer.DefaultWorkers)
	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}

	snap, err := p.engine(src, nil, m).DownloadAll(ctx, m.DID, cids, filepath.Join(wd, "blobs"))
	if err != nil {
		return err
	}
	applySnapshot(m, snap)

	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}
	p.announce(events.EventPhaseCompleted, m, job.Phase, "account data downloaded")
	return p.sm.Advance(m, types.StatusPendingBackup)
}

// BuildBackup assembles the downloaded data into a zip bundle with a fixed
// retention window.
func (p *Phases) BuildBackup(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseBuildBackup)
	if err != nil || !ok {
		return err
	}

	destDir := p.cfg.BackupDir
	if destDir == "" {
		destDir = filepath.Dir(m.DownloadedDataPath)
	}
	path, expiry, err := backup.Build(m, m.DownloadedDataPath, destDir)
	if err != nil {
		return err
	}

	m.BackupBundlePath = path
	m.BackupCreatedAt = now()
	m.BackupExpiresAt = &expiry
	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}

	if p.broker != nil {
		p.broker.Publish(&events.Event{
			Type:    events.EventBackupCreated,
			Message: "backup bundle created",
			Metadata: map[string]string{
				"migration_id": m.ID,
				"path":         path,
				"expires_at":   expiry.Format(time.RFC3339),
			},
		})
	}
	return p.sm.Advance(m, types.StatusBackupReady)
}

// CreateAccount provisions the deactivated account on the target, or for a
// return migration just verifies the existing login.
func (p *Phases) CreateAccount(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseCreateAccount)
	if err != nil || !ok {
		return err
	}
	m.Progress.AccountCreationStartedAt = now()

	password, ok, err := p.vault.OpenField(m.Credentials.OldPDSPassword, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return types.Errorf(types.ErrAuthentication, "phases.create_account",
			"stored password expired; the migration must be recreated")
	}

	target := p.factory(m.NewPDSHost)
	p.persistRotations(target, m, true)

	switch m.Type {
	case types.MigrationIn:
		// The account already exists on the target; verify the login.
		if _, err := target.Login(ctx, m.DID, password); err != nil {
			return err
		}

	default:
		src, err := p.sourceClient(ctx, m)
		if err != nil {
			return err
		}
		info, err := target.DescribeServer(ctx)
		if err != nil {
			return err
		}
		serviceAuth, err := src.GetServiceAuth(ctx, info.DID)
		if err != nil {
			return err
		}

		invite, _, err := p.vault.OpenField(m.Credentials.InviteCode, time.Now())
		if err != nil {
			return err
		}

		// The new account reuses the password so the user keeps a single
		// credential across the move.
		_, err = target.CreateAccount(ctx, serviceAuth, pds.CreateAccountInput{
			DID:        m.DID,
			Handle:     m.NewHandle,
			Email:      m.Email,
			Password:   password,
			InviteCode: invite,
		})
		if err != nil {
			if types.IsKind(err, types.ErrAccountExists) {
				// Distinguish an orphan left by an earlier run from a live
				// account: the former is operator-recoverable.
				if st := target.CheckAccountExists(ctx, m.DID); st.Exists && st.Deactivated {
					return &types.Error{
						Kind:     types.ErrAccountExists,
						Op:       "phases.create_account",
						Msg:      "deactivated account with this DID already on target",
						Orphaned: true,
						Err:      err,
					}
				}
			}
			return err
		}
	}

	if err := p.storeSession(m, target.Session(), true); err != nil {
		return err
	}
	m.Progress.AccountCreatedAt = now()
	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}
	p.announce(events.EventPhaseCompleted, m, job.Phase, "target account ready")
	return p.sm.Advance(m, types.StatusPendingRepo)
}

// ImportRepo moves the repository archive onto the target. Migrations that
// skipped the download phase export it here first.
func (p *Phases) ImportRepo(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseImportRepo)
	if err != nil || !ok {
		return err
	}

	wd, err := workdir(m)
	if err != nil {
		return err
	}
	carPath := filepath.Join(wd, "repo.car")
	if _, err := os.Stat(carPath); err != nil {
		src, err := p.sourceClient(ctx, m)
		if err != nil {
			return err
		}
		if err := src.ExportRepo(ctx, m.DID, carPath); err != nil {
			return err
		}
		m.Progress.RepoExportedAt = now()
	}

	if p.cfg.ConvertLegacyBlobs {
		// Hook for re-encoding legacy blob references in the archive before
		// import. Nothing to convert in current repo versions.
		log.WithPhase(m.ID, job.Phase).Info().Msg("legacy blob conversion enabled, nothing to convert")
	}

	target, err := p.targetClient(ctx, m)
	if err != nil {
		return err
	}
	if err := target.ImportRepo(ctx, carPath); err != nil {
		return err
	}
	m.Progress.RepoImportedAt = now()
	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}
	p.announce(events.EventPhaseCompleted, m, job.Phase, "repository imported")
	return p.sm.Advance(m, types.StatusPendingBlobs)
}

// ImportBlobs transfers the blob set to the target. Admission-controlled: at
// the concurrency cap the job defers itself without charging an attempt.
func (p *Phases) ImportBlobs(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseImportBlobs)
	if err != nil || !ok {
		return err
	}

	if m.Progress.BlobsStartedAt == nil {
		active, err := p.store.CountActiveBlobMigrations()
		if err != nil {
			return err
		}
		if active >= p.cfg.MaxActiveBlobMigrations {
			log.WithPhase(m.ID, job.Phase).Info().
				Int("active", active).
				Int("cap", p.cfg.MaxActiveBlobMigrations).
				Msg("blob transfer capacity exhausted, deferring")
			return jobs.RetryAfter(p.cfg.AdmissionRetryDelay)
		}
		m.Progress.BlobsStartedAt = now()
		if err := p.store.UpdateMigration(m); err != nil {
			return err
		}
	}

	wd, err := workdir(m)
	if err != nil {
		return err
	}
	blobDir := filepath.Join(wd, "blobs")

	target, err := p.targetClient(ctx, m)
	if err != nil {
		return err
	}

	var snap *transfer.Snapshot
	if m.CreateBackupBundle {
		// Blobs were already downloaded into the bundle workdir; push those.
		cids, err := localBlobCIDs(blobDir)
		if err != nil {
			return err
		}
		m.EstimatedMemoryMB = transfer.EstimateMemoryMB(len(cids), transfer.DefaultWorkers)
		snap, err = p.engine(nil, target, m).UploadAll(ctx, cids, blobDir)
		if err != nil {
			return err
		}
	} else {
		src, err := p.sourceClient(ctx, m)
		if err != nil {
			return err
		}
		cids, err := src.ListBlobs(ctx, m.DID)
		if err != nil {
			return err
		}
		m.Progress.BlobCount = len(cids)
		// Streamed mode keeps one blob resident at a time.
		m.EstimatedMemoryMB = transfer.EstimateMemoryMB(len(cids), 1)
		snap, err = p.engine(src, target, m).Stream(ctx, m.DID, cids, blobDir)
		if err != nil {
			return err
		}
	}

	applySnapshot(m, snap)
	m.Progress.BlobsCompletedAt = now()
	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}
	p.announce(events.EventPhaseCompleted, m, job.Phase, "blobs transferred")
	return p.sm.Advance(m, types.StatusPendingPrefs)
}

// ImportPrefs copies preferences across and kicks off the directory-token
// email, which parks the migration until the user pastes the token back.
func (p *Phases) ImportPrefs(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseImportPrefs)
	if err != nil || !ok {
		return err
	}

	src, err := p.sourceClient(ctx, m)
	if err != nil {
		return err
	}
	prefs, err := src.ExportPreferences(ctx)
	if err != nil {
		return err
	}
	m.Progress.PreferencesExportedAt = now()

	target, err := p.targetClient(ctx, m)
	if err != nil {
		return err
	}
	if err := target.ImportPreferences(ctx, prefs); err != nil {
		return err
	}
	m.Progress.PreferencesImportedAt = now()

	// The directory token goes to the account email, not to us; all we can do
	// is trigger it and wait.
	if err := src.RequestPLCOperationSignature(ctx); err != nil {
		return err
	}
	m.Progress.PLCTokenRequestedAt = now()

	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}
	p.announce(events.EventPhaseCompleted, m, job.Phase, "preferences imported, directory token requested")
	return p.sm.Advance(m, types.StatusPendingPLC)
}

// SubmitPLC signs and submits the identity operation that repoints the DID at
// the target host. Irreversible; runs on the critical queue.
func (p *Phases) SubmitPLC(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseSubmitPLC)
	if err != nil || !ok {
		return err
	}

	token, ok, err := p.vault.OpenField(m.Credentials.PLCToken, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return types.Errorf(types.ErrValidation, "phases.submit_plc",
			"directory token absent or expired; request a new one and resubmit")
	}

	src, err := p.sourceClient(ctx, m)
	if err != nil {
		return err
	}
	target, err := p.targetClient(ctx, m)
	if err != nil {
		return err
	}

	creds, err := target.GetRecommendedDidCredentials(ctx)
	if err != nil {
		return err
	}
	m.Progress.PLCOperationRecommendedAt = now()

	op, err := src.SignPLCOperation(ctx, token, creds)
	if err != nil {
		return err
	}
	m.Progress.PLCOperationSignedAt = now()

	if err := target.SubmitPLCOperation(ctx, op); err != nil {
		return err
	}
	m.Progress.PLCOperationSubmittedAt = now()

	// Single use; the directory would reject a replay anyway.
	m.Credentials.PLCToken = nil
	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}

	if p.broker != nil {
		p.broker.PublishPhase(events.EventPLCSubmitted, m.ID, job.Phase, "identity operation submitted")
	}
	return p.sm.Advance(m, types.StatusPendingActivation)
}

// Activate brings the target account live, quiesces the source, and installs
// a recovery rotation key. The two follow-ups are best-effort: the migration
// is already functionally complete once activation lands.
func (p *Phases) Activate(ctx context.Context, job *types.Job) error {
	m, ok, err := p.enter(job, migrate.PhaseActivate)
	if err != nil || !ok {
		return err
	}

	target, err := p.targetClient(ctx, m)
	if err != nil {
		return err
	}

	// The target's own view of the import. A shortfall is logged, not fatal:
	// blobs that exhausted their retries are already recorded and the user
	// chose to proceed.
	if state, err := target.CheckAccountStatus(ctx); err == nil {
		if state.ImportedBlobs < state.ExpectedBlobs {
			log.WithPhase(m.ID, job.Phase).Warn().
				Int("imported", state.ImportedBlobs).
				Int("expected", state.ExpectedBlobs).
				Msg("activating with missing blobs on target")
		}
	}

	if err := target.ActivateAccount(ctx); err != nil {
		return err
	}
	m.Progress.AccountActivatedAt = now()

	if src, err := p.sourceClient(ctx, m); err != nil {
		m.Progress.OldPDSDeactivationError = err.Error()
	} else if err := src.DeactivateAccount(ctx); err != nil {
		m.Progress.OldPDSDeactivationError = err.Error()
		log.WithPhase(m.ID, job.Phase).Warn().Err(err).Msg("source deactivation failed, leaving account up")
	} else {
		m.Progress.AccountDeactivatedAt = now()
	}

	if err := p.installRotationKey(ctx, m, target); err != nil {
		m.Progress.RotationKeyError = err.Error()
		log.WithPhase(m.ID, job.Phase).Warn().Err(err).Msg("rotation key installation failed")
	}

	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}
	return p.sm.Advance(m, types.StatusCompleted)
}

// installRotationKey generates a recovery keypair, stores the private half
// for one-time pickup, and registers the public half with the directory.
func (p *Phases) installRotationKey(ctx context.Context, m *types.Migration, target Client) error {
	kp, err := keygen.Generate()
	if err != nil {
		return err
	}
	sealed, err := p.vault.SealField(kp.PrivateKey, 0)
	if err != nil {
		return err
	}
	m.Credentials.RotationPrivateKey = sealed
	m.Progress.RotationKeyPublic = kp.PublicDIDKey
	m.Progress.RotationKeyGeneratedAt = now()

	return target.AddRotationKey(ctx, m.Progress.RotationKeyPublic)
}

// RetryBlobs re-runs only the blob subset named in the job payload. Operator
// invoked, so it tolerates migrations that already advanced past the blob
// phase; only terminal cancellation blocks it.
func (p *Phases) RetryBlobs(ctx context.Context, job *types.Job) error {
	m, err := p.store.GetMigration(job.MigrationID)
	if err != nil {
		return err
	}
	if m.Status == types.StatusCancelled {
		return nil
	}
	cids := splitCIDs(job.Payload["cids"])
	if len(cids) == 0 {
		return nil
	}
	p.announce(events.EventPhaseStarted, m, job.Phase, "retrying failed blobs")

	wd, err := workdir(m)
	if err != nil {
		return err
	}
	src, err := p.sourceClient(ctx, m)
	if err != nil {
		return err
	}
	target, err := p.targetClient(ctx, m)
	if err != nil {
		return err
	}

	snap, err := p.engine(src, target, m).Stream(ctx, m.DID, cids, filepath.Join(wd, "blobs"))
	if err != nil {
		return err
	}

	// Recompute the failed sets: anything not failed this run succeeded.
	stillFailed := map[string]bool{}
	for _, cid := range snap.FailedDownloads {
		stillFailed[cid] = true
	}
	for _, cid := range snap.FailedUploads {
		stillFailed[cid] = true
	}
	retried := map[string]bool{}
	for _, cid := range cids {
		retried[cid] = true
	}
	m.Progress.FailedDownloads = pruneRecovered(m.Progress.FailedDownloads, retried, stillFailed)
	m.Progress.FailedUploads = pruneRecovered(m.Progress.FailedUploads, retried, stillFailed)
	m.Progress.FailedBlobs = pruneRecovered(m.Progress.FailedBlobs, retried, stillFailed)

	m.Progress.BlobsCompleted += snap.Completed
	m.Progress.BlobsUploaded += snap.Uploaded
	m.Progress.BytesTransferred += snap.Bytes

	if err := p.store.UpdateMigration(m); err != nil {
		return err
	}
	p.announce(events.EventPhaseCompleted, m, job.Phase, "blob retry finished")
	return nil
}

// pruneRecovered drops entries that were retried and did not fail again.
func pruneRecovered(set []string, retried, stillFailed map[string]bool) []string {
	var out []string
	for _, cid := range set {
		if retried[cid] && !stillFailed[cid] {
			continue
		}
		out = append(out, cid)
	}
	return out
}

// progressSink persists transfer snapshots onto the migration record. Pool
// workers flush concurrently, so writes to the shared record are serialized
// here; stale snapshots that lost the race are dropped to keep the counters
// monotonic.
func (p *Phases) progressSink(m *types.Migration) transfer.ProgressFunc {
	var mu sync.Mutex
	return func(snap transfer.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if snap.Completed < m.Progress.BlobsCompleted {
			return
		}
		m.Progress.BlobsCompleted = snap.Completed
		m.Progress.BlobsUploaded = snap.Uploaded
		m.Progress.BytesTransferred = snap.Bytes
		if err := p.store.UpdateMigration(m); err != nil {
			log.WithMigration(m.ID).Warn().Err(err).Msg("progress flush failed")
		}
	}
}

// applySnapshot folds the final transfer counters into the progress record.
func applySnapshot(m *types.Migration, snap *transfer.Snapshot) {
	m.Progress.BlobsCompleted = snap.Completed
	m.Progress.BlobsUploaded = snap.Uploaded
	m.Progress.BytesTransferred = snap.Bytes
	m.Progress.FailedDownloads = append(m.Progress.FailedDownloads, snap.FailedDownloads...)
	m.Progress.FailedUploads = append(m.Progress.FailedUploads, snap.FailedUploads...)
	m.Progress.FailedBlobs = unionCIDs(m.Progress.FailedDownloads, m.Progress.FailedUploads)
}

func unionCIDs(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, cid := range append(append([]string{}, a...), b...) {
		if seen[cid] {
			continue
		}
		seen[cid] = true
		out = append(out, cid)
	}
	return out
}

// localBlobCIDs enumerates the downloaded blob files; file names are CIDs.
func localBlobCIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var cids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		cids = append(cids, e.Name())
	}
	return cids, nil
}
