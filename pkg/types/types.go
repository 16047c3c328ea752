package types

import (
	"time"
)

// Migration is the durable record of one account transfer attempt.
// It is the root aggregate: the Status field is the state-machine cursor
// and the single source of truth for where a migration stands.
type Migration struct {
	ID    string `json:"id"`
	Token string `json:"token"`

	DID       string `json:"did"`
	Email     string `json:"email"`
	OldHandle string `json:"old_handle"`
	NewHandle string `json:"new_handle"`

	// Hosts are normalized to https:// origins at creation time.
	OldPDSHost string `json:"old_pds_host"`
	NewPDSHost string `json:"new_pds_host"`

	Status Status        `json:"status"`
	Type   MigrationType `json:"migration_type"`

	Progress          Progress `json:"progress_data"`
	EstimatedMemoryMB int      `json:"estimated_memory_mb,omitempty"`

	Credentials Credentials `json:"credentials"`

	BackupBundlePath string     `json:"backup_bundle_path,omitempty"`
	BackupCreatedAt  *time.Time `json:"backup_created_at,omitempty"`
	BackupExpiresAt  *time.Time `json:"backup_expires_at,omitempty"`

	// DownloadedDataPath is the per-migration working directory. Phase jobs
	// of this migration own it exclusively.
	DownloadedDataPath string `json:"downloaded_data_path,omitempty"`

	LastError             string `json:"last_error,omitempty"`
	RetryCount            int    `json:"retry_count"`
	CurrentJobStep        string `json:"current_job_step,omitempty"`
	CurrentJobAttempt     int    `json:"current_job_attempt,omitempty"`
	CurrentJobMaxAttempts int    `json:"current_job_max_attempts,omitempty"`

	EmailVerifiedAt        *time.Time `json:"email_verified_at,omitempty"`
	EmailVerificationToken string     `json:"email_verification_token,omitempty"`

	CreateBackupBundle bool `json:"create_backup_bundle"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MigrationType distinguishes fresh-account moves from returns to an
// existing account on a well-known host.
type MigrationType string

const (
	// MigrationOut creates a fresh account on the target host.
	MigrationOut MigrationType = "migration_out"

	// MigrationIn returns to a pre-existing account; no account-create call
	// is issued, only login verification.
	MigrationIn MigrationType = "migration_in"
)

// Status is the state-machine cursor for a migration.
type Status string

const (
	StatusPendingDownload   Status = "pending_download"
	StatusPendingBackup     Status = "pending_backup"
	StatusBackupReady       Status = "backup_ready"
	StatusPendingAccount    Status = "pending_account"
	StatusPendingRepo       Status = "pending_repo"
	StatusPendingBlobs      Status = "pending_blobs"
	StatusPendingPrefs      Status = "pending_prefs"
	StatusPendingPLC        Status = "pending_plc"
	StatusPendingActivation Status = "pending_activation"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// statusOrder lists the forward phases in protocol order. Terminal failure
// states are orthogonal and have no ordinal.
var statusOrder = []Status{
	StatusPendingDownload,
	StatusPendingBackup,
	StatusBackupReady,
	StatusPendingAccount,
	StatusPendingRepo,
	StatusPendingBlobs,
	StatusPendingPrefs,
	StatusPendingPLC,
	StatusPendingActivation,
	StatusCompleted,
}

// Ordinal returns the position of s in the forward phase order, or -1 for
// failed/cancelled/unknown states.
func (s Status) Ordinal() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Before reports whether s is strictly earlier than other in phase order.
// Either side being non-ordinal reports false.
func (s Status) Before(other Status) bool {
	a, b := s.Ordinal(), other.Ordinal()
	if a < 0 || b < 0 {
		return false
	}
	return a < b
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s.Ordinal() >= 0 || s == StatusFailed || s == StatusCancelled
}

// Progress holds the semi-structured per-phase progress data. Nil timestamp
// pointers mean the phase was not reached yet.
type Progress struct {
	AccountCreationStartedAt *time.Time `json:"account_creation_started_at,omitempty"`
	AccountCreatedAt         *time.Time `json:"account_created_at,omitempty"`
	RepoExportedAt           *time.Time `json:"repo_exported_at,omitempty"`
	RepoImportedAt           *time.Time `json:"repo_imported_at,omitempty"`
	BlobsStartedAt           *time.Time `json:"blobs_started_at,omitempty"`
	BlobsCompletedAt         *time.Time `json:"blobs_completed_at,omitempty"`
	PreferencesExportedAt    *time.Time `json:"preferences_exported_at,omitempty"`
	PreferencesImportedAt    *time.Time `json:"preferences_imported_at,omitempty"`
	PLCOperationRecommendedAt *time.Time `json:"plc_operation_recommended_at,omitempty"`
	PLCOperationSignedAt      *time.Time `json:"plc_operation_signed_at,omitempty"`
	PLCOperationSubmittedAt   *time.Time `json:"plc_operation_submitted_at,omitempty"`
	PLCTokenRequestedAt       *time.Time `json:"plc_token_requested_at,omitempty"`
	AccountActivatedAt        *time.Time `json:"account_activated_at,omitempty"`
	AccountDeactivatedAt      *time.Time `json:"account_deactivated_at,omitempty"`
	CompletedAt               *time.Time `json:"completed_at,omitempty"`

	BlobCount        int   `json:"blob_count"`
	BlobsCompleted   int   `json:"blobs_completed"`
	BlobsUploaded    int   `json:"blobs_uploaded"`
	BytesTransferred int64 `json:"bytes_transferred"`

	// Blob identifiers that exhausted their retry budget, in completion
	// order. A non-empty set does not fail the blob phase.
	FailedBlobs     []string `json:"failed_blobs,omitempty"`
	FailedUploads   []string `json:"failed_uploads,omitempty"`
	FailedDownloads []string `json:"failed_downloads,omitempty"`

	RotationKeyPublic      string     `json:"rotation_key_public,omitempty"`
	RotationKeyGeneratedAt *time.Time `json:"rotation_key_generated_at,omitempty"`
	RotationKeyError       string     `json:"rotation_key_error,omitempty"`

	OldPDSDeactivationError string `json:"old_pds_deactivation_error,omitempty"`
}

// EncryptedField is a symmetric-encrypted credential value with an explicit
// expiry. Readers must treat an expired field as absent regardless of the
// stored ciphertext.
type EncryptedField struct {
	Ciphertext []byte     `json:"ciphertext"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the field must be treated as absent at now.
func (f *EncryptedField) Expired(now time.Time) bool {
	if f == nil {
		return true
	}
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}

// Credentials groups the encrypted secret fields of a migration. Each field
// has its own lifetime (see PurgeOnCompletion).
type Credentials struct {
	OldPDSPassword *EncryptedField `json:"old_pds_password,omitempty"`
	OldPDSSession  *EncryptedField `json:"old_pds_session,omitempty"`
	NewPDSSession  *EncryptedField `json:"new_pds_session,omitempty"`
	PLCToken       *EncryptedField `json:"plc_token,omitempty"`
	InviteCode     *EncryptedField `json:"invite_code,omitempty"`

	// RotationPrivateKey is retained after completion so the user can fetch
	// it once; it is not auto-cleared.
	RotationPrivateKey *EncryptedField `json:"rotation_private_key,omitempty"`
}

// PurgeOnCompletion clears every credential field except the rotation
// private key, which is delivered to the user out of band.
func (c *Credentials) PurgeOnCompletion() {
	c.OldPDSPassword = nil
	c.OldPDSSession = nil
	c.NewPDSSession = nil
	c.PLCToken = nil
	c.InviteCode = nil
}

// Empty reports whether all purgeable credential fields are cleared.
func (c *Credentials) Empty() bool {
	return c.OldPDSPassword == nil &&
		c.OldPDSSession == nil &&
		c.NewPDSSession == nil &&
		c.PLCToken == nil &&
		c.InviteCode == nil
}
