package phases

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftsky/pdsmover/pkg/events"
	"github.com/driftsky/pdsmover/pkg/jobs"
	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/pds"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/transfer"
	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/driftsky/pdsmover/pkg/vault"
)

// Client is the protocol surface a phase needs. Satisfied by pds.Client;
// narrowed to an interface so phase tests can fake the wire.
type Client interface {
	Host() string
	Login(ctx context.Context, identifier, password string) (*pds.Session, error)
	Resume(ctx context.Context, refreshJWT string) (*pds.Session, error)
	Session() *pds.Session
	SetSession(s *pds.Session)
	SetOnRefresh(cb pds.RefreshCallback)

	DescribeServer(ctx context.Context) (*pds.ServerInfo, error)
	GetServiceAuth(ctx context.Context, audienceDID string) (string, error)
	CheckAccountExists(ctx context.Context, did string) *pds.AccountStatus
	CheckAccountStatus(ctx context.Context) (*pds.AccountState, error)
	CreateAccount(ctx context.Context, serviceAuth string, in pds.CreateAccountInput) (*pds.Session, error)
	ActivateAccount(ctx context.Context) error
	DeactivateAccount(ctx context.Context) error

	ExportRepo(ctx context.Context, did, destPath string) error
	ImportRepo(ctx context.Context, carPath string) error
	ListBlobs(ctx context.Context, did string) ([]string, error)
	DownloadBlob(ctx context.Context, did, cid, destPath string) (int64, error)
	UploadBlob(ctx context.Context, srcPath, contentType string) error

	ExportPreferences(ctx context.Context) (json.RawMessage, error)
	ImportPreferences(ctx context.Context, prefs json.RawMessage) error

	RequestPLCOperationSignature(ctx context.Context) error
	GetRecommendedDidCredentials(ctx context.Context) (json.RawMessage, error)
	SignPLCOperation(ctx context.Context, token string, credentials json.RawMessage) (json.RawMessage, error)
	SubmitPLCOperation(ctx context.Context, operation json.RawMessage) error
	AddRotationKey(ctx context.Context, publicDIDKey string) error
}

// ClientFactory builds a protocol client for a host.
type ClientFactory func(host string) Client

// DefaultFactory returns real pds clients.
func DefaultFactory(host string) Client {
	return pds.NewClient(host)
}

// Config holds the phase-level settings.
type Config struct {
	// MaxActiveBlobMigrations caps how many migrations transfer blobs at
	// once. At the cap, the blob phase defers itself.
	MaxActiveBlobMigrations int

	// AdmissionRetryDelay is how long a deferred blob phase waits.
	AdmissionRetryDelay time.Duration

	// BackupDir receives finished bundles.
	BackupDir string

	// ConvertLegacyBlobs enables the legacy blob re-encoding hook before
	// repo import.
	ConvertLegacyBlobs bool
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxActiveBlobMigrations: 15,
		AdmissionRetryDelay:     30 * time.Second,
	}
}

// Phases owns the per-phase job handlers. Each handler gates on its entry
// status, does its work through the protocol clients, and advances the state
// machine exactly one edge.
type Phases struct {
	store   storage.Store
	vault   *vault.Vault
	sm      *migrate.StateMachine
	broker  *events.Broker
	factory ClientFactory
	cfg     Config

	// sleep overrides the transfer retry delay in tests.
	sleep func(time.Duration)
}

// engine builds a transfer engine wired to this migration's progress record.
func (p *Phases) engine(source transfer.BlobSource, sink transfer.BlobSink, m *types.Migration) *transfer.Engine {
	e := transfer.New(source, sink).WithProgress(p.progressSink(m))
	if p.sleep != nil {
		e.WithSleep(p.sleep)
	}
	return e
}

// New wires the phase handlers.
func New(store storage.Store, v *vault.Vault, sm *migrate.StateMachine, broker *events.Broker, factory ClientFactory, cfg Config) *Phases {
	if factory == nil {
		factory = DefaultFactory
	}
	if cfg.MaxActiveBlobMigrations <= 0 {
		cfg.MaxActiveBlobMigrations = 15
	}
	if cfg.AdmissionRetryDelay <= 0 {
		cfg.AdmissionRetryDelay = 30 * time.Second
	}
	return &Phases{
		store:   store,
		vault:   v,
		sm:      sm,
		broker:  broker,
		factory: factory,
		cfg:     cfg,
	}
}

// RegisterAll binds every phase handler onto the runner.
func (p *Phases) RegisterAll(r *jobs.Runner) {
	r.Register(migrate.PhaseDownloadData, p.DownloadData)
	r.Register(migrate.PhaseBuildBackup, p.BuildBackup)
	r.Register(migrate.PhaseCreateAccount, p.CreateAccount)
	r.Register(migrate.PhaseImportRepo, p.ImportRepo)
	r.Register(migrate.PhaseImportBlobs, p.ImportBlobs)
	r.Register(migrate.PhaseImportPrefs, p.ImportPrefs)
	r.Register(migrate.PhaseSubmitPLC, p.SubmitPLC)
	r.Register(migrate.PhaseActivate, p.Activate)
	r.Register(migrate.PhaseRetryBlobs, p.RetryBlobs)
}

// enter loads the migration and applies the idempotency gate: a job whose
// migration is not in the phase's entry status returns (nil, false) and must
// do nothing.
func (p *Phases) enter(job *types.Job, phase string) (*types.Migration, bool, error) {
	m, err := p.store.GetMigration(job.MigrationID)
	if err != nil {
		return nil, false, err
	}
	entry, _ := migrate.EntryStatus(phase)
	if m.Status != entry {
		log.WithPhase(m.ID, phase).Info().
			Str("status", string(m.Status)).
			Msg("status does not match phase entry, skipping")
		return nil, false, nil
	}
	p.announce(events.EventPhaseStarted, m, phase, "phase started")
	return m, true, nil
}

func (p *Phases) announce(typ events.EventType, m *types.Migration, phase, msg string) {
	if p.broker != nil {
		p.broker.PublishPhase(typ, m.ID, phase, msg)
	}
}

// workdir ensures the migration's working directory tree exists.
func workdir(m *types.Migration) (string, error) {
	if m.DownloadedDataPath == "" {
		return "", types.Errorf(types.ErrValidation, "phases.workdir",
			"migration has no working directory assigned")
	}
	if err := os.MkdirAll(filepath.Join(m.DownloadedDataPath, "blobs"), 0700); err != nil {
		return "", err
	}
	return m.DownloadedDataPath, nil
}

// sourceClient returns an authenticated client for the old PDS. A stored
// refresh token is preferred; the encrypted password is the fallback. Token
// rotation writes straight back to the migration record.
func (p *Phases) sourceClient(ctx context.Context, m *types.Migration) (Client, error) {
	const op = "phases.source_client"
	c := p.factory(m.OldPDSHost)
	p.persistRotations(c, m, false)

	if refresh, ok, err := p.vault.OpenField(m.Credentials.OldPDSSession, time.Now()); err != nil {
		return nil, err
	} else if ok {
		if _, err := c.Resume(ctx, refresh); err == nil {
			return c, nil
		}
		log.WithMigration(m.ID).Debug().Msg("stored source session rejected, falling back to password")
	}

	password, ok, err := p.vault.OpenField(m.Credentials.OldPDSPassword, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Errorf(types.ErrAuthentication, op,
			"source credentials expired; the migration must be recreated")
	}
	if _, err := c.Login(ctx, m.DID, password); err != nil {
		return nil, err
	}
	if err := p.storeSession(m, c.Session(), false); err != nil {
		return nil, err
	}
	return c, nil
}

// targetClient returns an authenticated client for the new PDS from the
// session stored by the account phase.
func (p *Phases) targetClient(ctx context.Context, m *types.Migration) (Client, error) {
	const op = "phases.target_client"
	c := p.factory(m.NewPDSHost)
	p.persistRotations(c, m, true)

	refresh, ok, err := p.vault.OpenField(m.Credentials.NewPDSSession, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Errorf(types.ErrAuthentication, op,
			"target session expired; retry from account creation")
	}
	if _, err := c.Resume(ctx, refresh); err != nil {
		return nil, err
	}
	return c, nil
}

// persistRotations wires the refresh-rotation callback so new refresh tokens
// reach the store before the old ones die.
func (p *Phases) persistRotations(c Client, m *types.Migration, target bool) {
	c.SetOnRefresh(func(s *pds.Session) error {
		return p.storeSession(m, s, target)
	})
}

func (p *Phases) storeSession(m *types.Migration, s *pds.Session, target bool) error {
	if s == nil || s.RefreshJWT == "" {
		return nil
	}
	field, err := p.vault.SealField(s.RefreshJWT, migrate.CredentialTTL)
	if err != nil {
		return err
	}
	if target {
		m.Credentials.NewPDSSession = field
	} else {
		m.Credentials.OldPDSSession = field
	}
	return p.store.UpdateMigration(m)
}

func now() *time.Time {
	t := time.Now()
	return &t
}

func splitCIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
