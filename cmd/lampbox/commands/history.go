package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/lampbox/pkg/stores"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past provisioning runs",
		Long: `List the runs recorded in the state database, newest first.

Use 'history show <run-id>' for the actions of one run and
'history prune' to drop old runs.`,
		Example: `  # Last 10 runs
  lampbox history --limit 10

  # Actions of one run
  lampbox history show 5f0c9a2e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := s.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out(cmd), runs)
			}

			w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tSTATUS\tSITES\tFAILED\tCHANGED")
			for _, run := range runs {
				status := colorStatus(string(run.Status))
				if run.DryRun {
					status += " (dry run)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					run.ID,
					run.StartedAt.Local().Format("2006-01-02 15:04:05"),
					runDuration(run),
					status,
					run.Summary.SitesTotal,
					run.Summary.SitesFailed,
					run.Summary.ActionsChanged,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func runDuration(run *stores.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func newHistoryShowCommand() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the actions of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := s.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			var filter *string
			if site != "" {
				filter = &site
			}
			events, err := store.ListActionEvents(ctx, run.ID, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out(cmd), struct {
					Run     *stores.Run           `json:"run"`
					Actions []*stores.ActionEvent `json:"actions"`
				}{run, events})
			}

			w := out(cmd)
			fmt.Fprintf(w, "Run %s %s\n", run.ID, colorStatus(string(run.Status)))
			fmt.Fprintf(w, "  started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(w, "  duration: %s\n", runDuration(run))
			fmt.Fprintf(w, "  sites:    %s\n", run.SitesDir)
			if run.Error != nil {
				fmt.Fprintf(w, "  %s %s\n", red("error:"), *run.Error)
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SITE\tKIND\tACTION\tSTATUS\tDURATION")
			for _, e := range events {
				status := colorStatus(e.Status)
				if e.Error != nil {
					status += " " + *e.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\n", e.Site, e.Kind, e.Action, status, e.DurationMS)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "only actions of this site")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := s.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.PruneRuns(ctx, keep)
			if err != nil {
				return err
			}
			audit(ctx, store, s.logger, "history.pruned", "runs", map[string]interface{}{"keep": keep, "deleted": deleted})

			fmt.Fprintf(out(cmd), "Deleted %d runs\n", deleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "number of runs to keep")

	return cmd
}
