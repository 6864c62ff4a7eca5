package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/stores"
	"github.com/spf13/cobra"
)

// siteView is a descriptor with its resolved paths and last recorded state.
type siteView struct {
	sites.Site
	Source  string         `json:"source"`
	DocRoot string         `json:"docroot"`
	State   *siteStateView `json:"state,omitempty"`
}

type siteStateView struct {
	Status      string    `json:"status"`
	LastRunID   string    `json:"last_run_id"`
	LastApplied time.Time `json:"last_applied"`

	// Drifted is true when the descriptor changed since it was last applied.
	Drifted bool `json:"drifted"`
}

func newSitesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect the sites data bag",
		Long: `List and show site descriptors as lampbox resolves them: normalized
aliases, the document root, and the state recorded by the last run.`,
	}

	cmd.AddCommand(newSitesListCommand())
	cmd.AddCommand(newSitesShowCommand())

	return cmd
}

func newSitesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List site descriptors",
		Example: `  # List sites with their last status
  lampbox sites list

  # As JSON
  lampbox sites list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			views, err := loadSiteViews(cmd.Context(), s)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out(cmd), views)
			}

			w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOST\tFRAMEWORK\tDOCROOT\tLAST STATUS")
			for _, v := range views {
				framework := string(v.Framework)
				if framework == "" {
					framework = "-"
				}
				status := "-"
				if v.State != nil {
					status = colorStatus(v.State.Status)
					if v.State.Drifted {
						status += " " + yellow("(changed since)")
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Host, framework, v.DocRoot, status)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newSitesShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a resolved site descriptor",
		Example: `  # Show a site as YAML
  lampbox sites show shop

  # As JSON
  lampbox sites show shop -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			views, err := loadSiteViews(cmd.Context(), s)
			if err != nil {
				return err
			}

			for _, v := range views {
				if v.ID == args[0] {
					if jsonOutput {
						format = "json"
					}
					return printFormat(out(cmd), format, v)
				}
			}
			return fmt.Errorf("site %s not found in %s", args[0], s.cfg.SitesDir)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format (yaml, json)")

	return cmd
}

// loadSiteViews loads the data bag and joins it with the recorded site
// state. A state database that cannot be opened leaves State empty.
func loadSiteViews(ctx context.Context, s *session) ([]siteView, error) {
	bag, err := s.loadBag(ctx)
	if err != nil {
		return nil, err
	}

	states := map[string]*stores.SiteState{}
	if store, err := s.openStore(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Site state unavailable")
	} else {
		defer store.Close()
		list, err := store.ListSiteStates(ctx)
		if err != nil {
			return nil, err
		}
		for _, st := range list {
			states[st.SiteID] = st
		}
	}

	views := make([]siteView, 0, len(bag.Sites))
	for _, site := range bag.Sites {
		v := siteView{
			Site:    site,
			Source:  site.Source,
			DocRoot: sites.DocRoot(s.cfg.Paths.BaseDir, site),
		}
		if st, ok := states[site.ID]; ok {
			hash, _, err := siteHash(site)
			if err != nil {
				return nil, err
			}
			v.State = &siteStateView{
				Status:      st.Status,
				LastRunID:   st.LastRunID,
				LastApplied: st.LastApplied,
				Drifted:     st.Hash != hash,
			}
		}
		views = append(views, v)
	}
	return views, nil
}
