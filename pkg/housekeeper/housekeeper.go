package housekeeper

import (
	"os"
	"time"

	"github.com/driftsky/pdsmover/pkg/events"
	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
)

// DefaultInterval is how often a sweep runs.
const DefaultInterval = 5 * time.Minute

// Housekeeper periodically scrubs expired credentials, deletes expired backup
// bundles, and removes working directories that terminal migrations left
// behind.
type Housekeeper struct {
	store    storage.Store
	broker   *events.Broker
	interval time.Duration
	stopCh   chan struct{}
}

// New creates a housekeeper over the given store.
func New(store storage.Store, broker *events.Broker) *Housekeeper {
	return &Housekeeper{
		store:    store,
		broker:   broker,
		interval: DefaultInterval,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval. Used in tests.
func (h *Housekeeper) WithInterval(d time.Duration) *Housekeeper {
	h.interval = d
	return h
}

// Start launches the background sweep loop.
func (h *Housekeeper) Start() {
	go h.run()
}

// Stop terminates the sweep loop.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
}

func (h *Housekeeper) run() {
	logger := log.WithComponent("housekeeper")
	logger.Info().Dur("interval", h.interval).Msg("starting housekeeper")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			logger.Info().Msg("stopping housekeeper")
			return
		case <-ticker.C:
			h.Sweep(time.Now())
		}
	}
}

// Sweep runs one full pass. Exported for tests and for a final sweep during
// shutdown.
func (h *Housekeeper) Sweep(now time.Time) {
	logger := log.WithComponent("housekeeper")

	migrations, err := h.store.ListMigrations()
	if err != nil {
		logger.Error().Err(err).Msg("listing migrations failed")
		return
	}

	for _, m := range migrations {
		dirty := false
		if scrubExpiredCredentials(m, now) {
			dirty = true
		}
		if h.expireBackup(m, now) {
			dirty = true
		}
		if removeStaleWorkdir(m) {
			dirty = true
		}
		if !dirty {
			continue
		}
		if err := h.store.UpdateMigration(m); err != nil {
			logger.Error().Err(err).Str("migration_id", m.ID).Msg("persisting sweep result failed")
		}
	}
}

// scrubExpiredCredentials nils out credential fields whose TTL lapsed. Failed
// migrations keep their credentials until this point so an operator retry can
// still authenticate.
func scrubExpiredCredentials(m *types.Migration, now time.Time) bool {
	changed := false
	fields := []**types.EncryptedField{
		&m.Credentials.OldPDSPassword,
		&m.Credentials.OldPDSSession,
		&m.Credentials.NewPDSSession,
		&m.Credentials.PLCToken,
		&m.Credentials.InviteCode,
	}
	for _, f := range fields {
		if *f != nil && (*f).Expired(now) {
			*f = nil
			changed = true
		}
	}
	if changed {
		log.WithMigration(m.ID).Debug().Msg("scrubbed expired credentials")
	}
	return changed
}

// expireBackup deletes the bundle file once its retention window closes.
func (h *Housekeeper) expireBackup(m *types.Migration, now time.Time) bool {
	if m.BackupBundlePath == "" || m.BackupExpiresAt == nil || now.Before(*m.BackupExpiresAt) {
		return false
	}

	if err := os.Remove(m.BackupBundlePath); err != nil && !os.IsNotExist(err) {
		log.WithMigration(m.ID).Error().Err(err).Msg("deleting expired backup failed")
		return false
	}
	log.WithMigration(m.ID).Info().Str("path", m.BackupBundlePath).Msg("expired backup deleted")

	if h.broker != nil {
		h.broker.Publish(&events.Event{
			Type:    events.EventBackupExpired,
			Message: "backup bundle expired and was deleted",
			Metadata: map[string]string{
				"migration_id": m.ID,
				"path":         m.BackupBundlePath,
			},
		})
	}
	m.BackupBundlePath = ""
	return true
}

// removeStaleWorkdir drops the per-migration working directory once the
// migration is terminal. Blob files inside it were already consumed or are
// unreachable; the backup bundle lives outside it.
func removeStaleWorkdir(m *types.Migration) bool {
	if !m.Status.Terminal() || m.DownloadedDataPath == "" {
		return false
	}
	if _, err := os.Stat(m.DownloadedDataPath); err != nil {
		return false
	}
	if err := os.RemoveAll(m.DownloadedDataPath); err != nil {
		log.WithMigration(m.ID).Error().Err(err).Msg("removing stale workdir failed")
		return false
	}
	log.WithMigration(m.ID).Info().Str("path", m.DownloadedDataPath).Msg("stale workdir removed")
	m.DownloadedDataPath = ""
	return true
}
