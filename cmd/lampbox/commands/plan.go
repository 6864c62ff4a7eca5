package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var flags provisionFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what provision would do",
		Long: `Run the provisioning pipeline in dry-run mode.

Every command and file write is logged and listed instead of being
performed. Guards that would need a command's output see empty output, so
the plan shows the actions of a first run.`,
		Example: `  # Plan the whole machine
  lampbox plan

  # Plan only the sites, as JSON
  lampbox plan --sites-only --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			flags.dryRun = true
			return runProvision(cmd, s, flags, "plan")
		},
	}

	cmd.Flags().BoolVar(&flags.sitesOnly, "sites-only", false, "skip the base recipe")
	cmd.Flags().BoolVar(&flags.systemOnly, "system-only", false, "skip the sites")
	cmd.Flags().BoolVar(&flags.enforcePolicy, "enforce-policy", false, "skip sites with blocking policy violations")
	cmd.MarkFlagsMutuallyExclusive("sites-only", "system-only")

	return cmd
}
