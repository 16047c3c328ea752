package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsky/pdsmover/pkg/api"
	"github.com/driftsky/pdsmover/pkg/config"
	"github.com/driftsky/pdsmover/pkg/events"
	"github.com/driftsky/pdsmover/pkg/housekeeper"
	"github.com/driftsky/pdsmover/pkg/identity"
	"github.com/driftsky/pdsmover/pkg/jobs"
	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/metrics"
	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/notify"
	"github.com/driftsky/pdsmover/pkg/phases"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the migration service",
	Long: `Start the full service: the HTTP API, the job workers that execute
migration phases, the metrics collector, and the housekeeper.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("creating data dir: %v", err)
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %v", err)
		}
		defer store.Close()

		v, err := vault.NewFromHex(cfg.MasterKey)
		if err != nil {
			return fmt.Errorf("initializing vault: %v", err)
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// Log every domain event; the broker drops events for slow readers
		// rather than blocking publishers.
		eventSub := broker.Subscribe()
		go func() {
			for ev := range eventSub {
				log.WithComponent("events").Info().
					Str("type", string(ev.Type)).
					Fields(map[string]any{"metadata": ev.Metadata}).
					Msg(ev.Message)
			}
		}()

		var mailer notify.Mailer
		if cfg.SMTPConfigured() {
			mailer = notify.NewSMTPMailer(notify.SMTPConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
				AdminTo:  cfg.AdminEmail,
			})
		} else {
			mailer = notify.LogMailer{}
		}

		sm := migrate.NewStateMachine(store, broker)
		resolver := identity.NewResolver(cfg.DirectoryHost)
		svc := migrate.NewService(store, v, sm, broker, mailer, resolver, migrate.Config{
			DirectoryHost:  cfg.DirectoryHost,
			TargetPDSHost:  cfg.TargetPDSHost,
			DeploymentMode: cfg.DeploymentMode,
			InviteCodeMode: cfg.InviteCodeMode,
			DataDir:        cfg.DataDir,
			PublicURL:      cfg.PublicURL,
		})

		runner := jobs.NewRunner(store, sm, broker, mailer, cfg.WorkerCount)
		phaseCfg := phases.DefaultConfig()
		phaseCfg.MaxActiveBlobMigrations = cfg.MaxConcurrentMigrations
		phaseCfg.BackupDir = cfg.DataDir
		phaseCfg.ConvertLegacyBlobs = cfg.ConvertLegacyBlobs
		phases.New(store, v, sm, broker, nil, phaseCfg).RegisterAll(runner)
		runner.Start()
		defer runner.Stop()

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		keeper := housekeeper.New(store, broker)
		keeper.Start()
		defer keeper.Stop()

		server := api.NewServer(svc, store)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			return fmt.Errorf("http server: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Stop(ctx)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to config file (optional; environment variables also apply)")
}
