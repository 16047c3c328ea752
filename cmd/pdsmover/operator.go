package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/driftsky/pdsmover/pkg/config"
	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/pds"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
)

// Operator commands work on the store directly; stop the service first or
// accept that a running worker may race the change.

var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Inspect and repair migrations",
}

var migrationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		errorFilter, _ := cmd.Flags().GetString("last-error")
		statusFilter, _ := cmd.Flags().GetString("status")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		var migrations []*types.Migration
		if statusFilter != "" {
			migrations, err = store.ListMigrationsByStatus(types.Status(statusFilter))
		} else {
			migrations, err = store.ListMigrations()
		}
		if err != nil {
			return err
		}

		shown := 0
		for _, m := range migrations {
			if errorFilter != "" && !strings.Contains(m.LastError, errorFilter) {
				continue
			}
			shown++
			fmt.Printf("%-22s  %-20s  %-30s  %s\n", m.Token, m.Status, m.DID, m.CreatedAt.Format(time.RFC3339))
			if m.CurrentJobStep != "" {
				fmt.Printf("  step: %s (attempt %d/%d)\n", m.CurrentJobStep, m.CurrentJobAttempt, m.CurrentJobMaxAttempts)
			}
			if m.LastError != "" {
				fmt.Printf("  last error: %s\n", m.LastError)
			}
		}
		if shown == 0 {
			fmt.Println("No migrations found.")
		}
		return nil
	},
}

var migrationResetCmd = &cobra.Command{
	Use:   "reset <token>",
	Short: "Reset a failed migration to its recorded phase and re-enqueue it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		m, err := store.GetMigrationByToken(args[0])
		if err != nil {
			return err
		}
		if m.Status != types.StatusFailed {
			return fmt.Errorf("migration is %s, only failed migrations can be reset", m.Status)
		}
		entry, ok := migrate.EntryStatus(m.CurrentJobStep)
		if !ok {
			return fmt.Errorf("migration has no recorded phase to reset to")
		}

		m.Status = entry
		m.LastError = ""
		job := migrate.BuildJob(m, m.CurrentJobStep)
		if err := store.UpdateMigrationWithJob(m, job); err != nil {
			return err
		}

		fmt.Printf("✓ Migration %s reset to %s, %s job enqueued\n", m.Token, entry, job.Phase)
		return nil
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Probe accounts on a PDS",
}

var accountCheckCmd = &cobra.Command{
	Use:   "check <did>",
	Short: "Check whether an account exists on a PDS",
	Long: `Probe a PDS for an account with the given DID. Useful before deleting
an orphaned deactivated account that blocks a migration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("pds")
		if host == "" {
			return fmt.Errorf("--pds is required")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status := pds.NewClient(host).CheckAccountExists(ctx, args[0])
		switch {
		case !status.Exists:
			fmt.Printf("No account for %s on %s\n", args[0], host)
		case status.Deactivated:
			fmt.Printf("DEACTIVATED account for %s on %s (orphan candidate)\n", args[0], host)
		default:
			fmt.Printf("Active account for %s on %s (handle: %s)\n", args[0], host, status.Handle)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", path)
		}

		// The template is hand-maintained; make sure it still parses before
		// handing it to the user.
		var probe map[string]any
		if err := yaml.Unmarshal([]byte(config.Template), &probe); err != nil {
			return fmt.Errorf("config template is broken: %v", err)
		}

		if err := os.WriteFile(path, []byte(config.Template), 0600); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %s\n", path)
		fmt.Println("Set master_key before starting: openssl rand -hex 32")
		return nil
	},
}

func init() {
	migrationCmd.AddCommand(migrationListCmd)
	migrationCmd.AddCommand(migrationResetCmd)
	migrationCmd.PersistentFlags().String("data-dir", "./data", "Data directory of the service")
	migrationListCmd.Flags().String("last-error", "", "Only list migrations whose stored error contains this substring")
	migrationListCmd.Flags().String("status", "", "Filter by status")

	accountCmd.AddCommand(accountCheckCmd)
	accountCheckCmd.Flags().String("pds", "", "PDS host to probe")

	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("output", "config.yaml", "Where to write the config file")
}
