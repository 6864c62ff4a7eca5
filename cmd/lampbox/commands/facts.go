package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/openfroyo/lampbox/pkg/config"
	"github.com/openfroyo/lampbox/pkg/stores"
	"github.com/openfroyo/lampbox/pkg/system"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newFactsCommand() *cobra.Command {
	var (
		cached    bool
		namespace string
	)

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Collect and show machine facts",
		Long: `Collect typed facts about the local machine and store them with a TTL.

Namespaces:
  - os.basic: OS name, version, kernel, architecture, hostname
  - net.ifaces: network interfaces and their addresses

The base recipe reads the same facts, e.g. the mailcatcher address comes
from net.ifaces.`,
		Example: `  # Collect and print facts
  lampbox facts

  # Show the stored, unexpired facts
  lampbox facts --cached --namespace net.ifaces`,
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

			if !cached {
				if _, err := collectFacts(ctx, store, s.cfg, s.logger); err != nil {
					return err
				}
			}

			var ns *string
			if namespace != "" {
				ns = &namespace
			}
			facts, err := store.ListFacts(ctx, nil, ns, 1000, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out(cmd), facts)
			}

			w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tNAMESPACE\tKEY\tVALUE\tEXPIRES")
			for _, f := range facts {
				expires := "never"
				if f.ExpiresAt != nil {
					expires = f.ExpiresAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.TargetID, f.Namespace, f.Key, f.Value, expires)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&cached, "cached", false, "show stored facts without collecting")
	cmd.Flags().StringVar(&namespace, "namespace", "", "filter by namespace")

	return cmd
}

// collectFacts gathers local facts and stores them with the configured TTL.
// Expired facts are pruned first.
func collectFacts(ctx context.Context, store stores.Store, cfg *config.Config, logger zerolog.Logger) (*system.Facts, error) {
	collector := &system.FactsCollector{Root: cfg.Paths.Root}
	facts, err := collector.Collect()
	if err != nil {
		return nil, err
	}

	if n, err := store.DeleteExpiredFacts(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to prune expired facts")
	} else if n > 0 {
		logger.Debug().Int64("count", n).Msg("Pruned expired facts")
	}

	records, err := factRecords(facts, cfg.Facts.TTLSeconds)
	if err != nil {
		return nil, err
	}
	for _, f := range records {
		if err := store.UpsertFact(ctx, f); err != nil {
			return nil, err
		}
	}

	logger.Debug().
		Str("os", facts.OS.Name).
		Int("interfaces", len(facts.Interfaces)).
		Msg("Facts collected")
	return facts, nil
}

// factRecords flattens facts into store records: one os.basic record and
// one net.ifaces record per interface.
func factRecords(facts *system.Facts, ttl int) ([]*stores.Fact, error) {
	target := facts.OS.Hostname
	if target == "" {
		target = "localhost"
	}

	var records []*stores.Fact
	add := func(namespace, key string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode fact %s/%s: %w", namespace, key, err)
		}
		records = append(records, &stores.Fact{
			ID:        uuid.NewString(),
			TargetID:  target,
			Namespace: namespace,
			Key:       key,
			Value:     string(data),
			TTL:       ttl,
		})
		return nil
	}

	if err := add("os.basic", "os", facts.OS); err != nil {
		return nil, err
	}
	for _, iface := range facts.Interfaces {
		if err := add("net.ifaces", iface.Name, iface); err != nil {
			return nil, err
		}
	}
	return records, nil
}
