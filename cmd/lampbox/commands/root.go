package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/lampbox/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	sitesDir   string
	stateDB    string
	verbose    bool
	jsonOutput bool

	// buildVersion is recorded with every run.
	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lampbox",
		Short: "lampbox - LAMP development box provisioner",
		Long: `lampbox converges a development VM into a LAMP host and provisions the
sites described in a data bag.

For every site it manages:
  - Apache virtual hosts and /etc/hosts entries
  - MySQL databases, dump imports and copies from remote hosts
  - rsync'd shared files and Magento cron jobs
  - Magento and WordPress base URL fixups

Configuration is read from lampbox.cue. Runs are recorded in a local
SQLite history database.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&sitesDir, "sites-dir", "", "sites data bag directory (overrides sites_dir)")
	rootCmd.PersistentFlags().StringVar(&stateDB, "state-db", "", "run history database (overrides state_db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newSitesCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newFactsCommand())

	return rootCmd
}

// out returns the writer command output goes to.
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
