package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/openfroyo/lampbox/pkg/config"
	"github.com/openfroyo/lampbox/pkg/policy"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// validation is the outcome of the validate command.
type validation struct {
	Config     []config.ValidationError `json:"config,omitempty"`
	SitesDir   string                   `json:"sites_dir"`
	Sites      int                      `json:"sites"`
	Skipped    []sites.Skip             `json:"skipped,omitempty"`
	Problems   []siteProblem            `json:"problems,omitempty"`
	Violations []policy.Violation       `json:"violations,omitempty"`
}

type siteProblem struct {
	Site    string `json:"site"`
	Problem string `json:"problem"`
}

func (v *validation) failed(strict bool) bool {
	if len(v.Config) > 0 || len(v.Skipped) > 0 || len(v.Problems) > 0 {
		return true
	}
	if !strict {
		return false
	}
	for _, viol := range v.Violations {
		if viol.Severity.Blocking() {
			return true
		}
	}
	return false
}

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [sites-dir]",
		Short: "Validate the configuration and the sites data bag",
		Long: `Validate lampbox.cue and the site descriptors without changing anything.

This command checks:
  - CUE syntax and schema conformance of lampbox.cue
  - that every data bag item parses and has an id and host
  - descriptor field formats (hosts, database names, rsync and db_copy entries)
  - site policies (OPA/rego); with --strict, error violations fail`,
		Example: `  # Validate the configured data bag
  lampbox validate

  # Validate another directory, failing on policy errors
  lampbox validate --strict ./data_bags/sites`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			result := &validation{}

			parser := config.NewCUEParser()
			cfg := config.DefaultConfig()
			parsed, err := parser.Parse(ctx, configPath)
			switch {
			case err != nil && !errors.Is(err, fs.ErrNotExist):
				return err
			case err == nil && len(parsed.Errors) > 0:
				result.Config = parsed.Errors
			case err == nil:
				cfg = parsed.Config
			}
			config.Resolve(cfg, configPath)
			if sitesDir != "" {
				cfg.SitesDir = sitesDir
			}
			if len(args) > 0 {
				cfg.SitesDir = args[0]
			}
			result.SitesDir = cfg.SitesDir

			s := &session{cfg: cfg, path: configPath, parser: parser, logger: log.Logger}
			bag, err := s.loadBag(ctx)
			if err != nil {
				return err
			}
			result.Sites = len(bag.Sites)
			result.Skipped = bag.Skipped

			for _, site := range bag.Sites {
				for _, p := range sites.Check(site) {
					result.Problems = append(result.Problems, siteProblem{Site: site.ID, Problem: p.String()})
				}
				if site.Raw == nil {
					continue
				}
				if err := parser.GetSchemaRegistry().ValidateSite(ctx, site.Raw); err != nil {
					result.Problems = append(result.Problems, siteProblem{Site: site.ID, Problem: err.Error()})
				}
			}

			engine, err := s.policyEngine(ctx)
			if err != nil {
				return err
			}
			if engine != nil {
				report, err := engine.Evaluate(ctx, bag.Sites, policy.Context{Operation: "validate", Timestamp: time.Now()})
				if err != nil {
					return err
				}
				result.Violations = report.All()
			}

			if err := printValidation(cmd, result); err != nil {
				return err
			}
			if result.failed(strict) {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail on error-severity policy violations")

	return cmd
}

func printValidation(cmd *cobra.Command, v *validation) error {
	w := out(cmd)
	if jsonOutput {
		return printJSON(w, v)
	}

	for _, e := range v.Config {
		fmt.Fprintf(w, "%s %s\n", red("config:"), e.String())
	}
	fmt.Fprintf(w, "%d sites in %s\n", v.Sites, v.SitesDir)
	for _, s := range v.Skipped {
		fmt.Fprintf(w, "%s %s: %s\n", red("invalid"), s.Source, s.Reason)
	}
	for _, p := range v.Problems {
		fmt.Fprintf(w, "%s %s: %s\n", red("invalid"), p.Site, p.Problem)
	}
	for _, viol := range v.Violations {
		label := yellow(string(viol.Severity))
		if viol.Severity.Blocking() {
			label = red(string(viol.Severity))
		}
		fmt.Fprintf(w, "%s %s [%s]: %s\n", label, viol.Site, viol.Policy, viol.Message)
	}
	if len(v.Config) == 0 && len(v.Skipped) == 0 && len(v.Problems) == 0 && len(v.Violations) == 0 {
		fmt.Fprintln(w, green("✓ valid"))
	}
	return nil
}
