package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pdsmover",
	Short: "pdsmover - PDS account migration orchestrator",
	Long: `pdsmover moves accounts between personal data servers: it creates the
target account, transfers the repository, blobs, and preferences, walks the
user through the identity directory update, and activates the new account.

Every step is a durable job; a crash or restart picks up where it left off.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pdsmover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrationCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(configCmd)
}
