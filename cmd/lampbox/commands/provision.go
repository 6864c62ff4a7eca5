package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/config"
	"github.com/openfroyo/lampbox/pkg/policy"
	"github.com/openfroyo/lampbox/pkg/provisioner"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/openfroyo/lampbox/pkg/stores"
	"github.com/openfroyo/lampbox/pkg/system"
	"github.com/openfroyo/lampbox/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type provisionFlags struct {
	sitesOnly       bool
	systemOnly      bool
	dryRun          bool
	watch           bool
	enforcePolicy   bool
	metricsTextfile string
	metricsAddr     string
}

func newProvisionCommand() *cobra.Command {
	var flags provisionFlags

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Converge the machine and its sites",
		Long: `Apply the base LAMP recipe, then provision every site in the data bag.

Sites are processed in file name order. A site without an id or host is
skipped with a warning; a failing command stops the run. Delayed service
restarts run once at the end of a successful run.

Every run is recorded in the state database with its actions.`,
		Example: `  # Provision the machine and all sites
  lampbox provision

  # Only the sites, showing what would run
  lampbox provision --sites-only --dry-run

  # Re-provision whenever a site item changes
  lampbox provision --sites-only --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			return runProvision(cmd, s, flags, "provision")
		},
	}

	cmd.Flags().BoolVar(&flags.sitesOnly, "sites-only", false, "skip the base recipe")
	cmd.Flags().BoolVar(&flags.systemOnly, "system-only", false, "skip the sites")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "log commands and file writes without running them")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "re-provision when the data bag changes")
	cmd.Flags().BoolVar(&flags.enforcePolicy, "enforce-policy", false, "skip sites with blocking policy violations")
	cmd.Flags().StringVar(&flags.metricsTextfile, "metrics-textfile", "", "write metrics to a node-exporter textfile")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve metrics on this address while running")
	cmd.MarkFlagsMutuallyExclusive("sites-only", "system-only")

	return cmd
}

// runResult is what one provisioning run produced.
type runResult struct {
	RunID    string              `json:"run_id"`
	Status   stores.RunStatus    `json:"status"`
	DryRun   bool                `json:"dry_run"`
	System   []actions.Result    `json:"system,omitempty"`
	Report   *provisioner.Report `json:"report,omitempty"`
	Policy   *policy.Report      `json:"policy,omitempty"`
	Commands []string            `json:"commands,omitempty"`
	Error    string              `json:"error,omitempty"`

	results []actions.Result
	bag     *sites.Bag
}

func (r *runResult) summary() stores.RunSummary {
	var sum stores.RunSummary
	for _, res := range r.results {
		if res.Changed {
			sum.ActionsChanged++
		}
	}
	if r.Report != nil {
		sum.SitesTotal = len(r.Report.Sites)
		sum.SitesSkipped = len(r.Report.Skipped)
		for _, sr := range r.Report.Sites {
			if sr.Error != "" {
				sum.SitesFailed++
			}
		}
	}
	return sum
}

// provisioning runs provisioning passes against one configuration.
type provisioning struct {
	s         *session
	flags     provisionFlags
	operation string
	engine    *policy.Engine
	metrics   *telemetry.Metrics
}

func runProvision(cmd *cobra.Command, s *session, flags provisionFlags, operation string) error {
	ctx := cmd.Context()

	tc := s.cfg.TelemetryConfig(buildVersion)
	if flags.metricsTextfile != "" {
		tc.Metrics.TextfilePath = flags.metricsTextfile
	}
	if flags.metricsAddr != "" {
		tc.Metrics.ListenAddress = flags.metricsAddr
	}
	if verbose {
		tc.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	ctx = tel.WithContext(ctx)
	s.logger = tel.Logger.Zerolog()
	if err := tel.StartMetricsServer(ctx); err != nil {
		return err
	}

	engine, err := s.policyEngine(ctx)
	if err != nil {
		return err
	}

	p := &provisioning{s: s, flags: flags, operation: operation, engine: engine, metrics: tel.Metrics}

	result, err := p.once(ctx)
	if result != nil {
		if perr := printRunResult(out(cmd), result); perr != nil {
			return perr
		}
	}
	if !flags.watch {
		return err
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Provisioning failed; waiting for changes")
	}

	if engine != nil {
		go func() {
			if err := engine.Watch(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Policy watch stopped")
			}
		}()
	}

	return s.loader().Watch(ctx, sites.DefaultDebounce, func(ctx context.Context) {
		result, err := p.once(ctx)
		if result != nil {
			if perr := printRunResult(out(cmd), result); perr != nil {
				s.logger.Warn().Err(perr).Msg("Failed to print run result")
			}
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Provisioning failed; waiting for changes")
		}
	})
}

// once performs a single recorded provisioning run.
func (p *provisioning) once(ctx context.Context) (*runResult, error) {
	runID := uuid.NewString()
	ctx, scope := telemetry.StartRun(ctx, runID)
	logger := scope.Logger.Zerolog()
	ctx = logger.WithContext(ctx)

	result := &runResult{RunID: runID, DryRun: p.flags.dryRun, Status: stores.RunStatusRunning}

	store, err := p.s.openStore(ctx)
	if err != nil {
		scope.End(string(stores.RunStatusFailed), err)
		return nil, err
	}
	defer store.Close()

	metadata, _ := json.Marshal(map[string]interface{}{
		"version":     buildVersion,
		"operation":   p.operation,
		"sites_only":  p.flags.sitesOnly,
		"system_only": p.flags.systemOnly,
	})
	run := &stores.Run{
		ID:         runID,
		ConfigPath: p.s.path,
		SitesDir:   p.s.cfg.SitesDir,
		Status:     stores.RunStatusRunning,
		DryRun:     p.flags.dryRun,
		StartedAt:  time.Now(),
		Metadata:   string(metadata),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		scope.End(string(stores.RunStatusFailed), err)
		return nil, err
	}
	audit(ctx, store, logger, "run.started", runID, map[string]interface{}{"operation": p.operation, "dry_run": p.flags.dryRun})

	logger.Info().
		Str("sites_dir", p.s.cfg.SitesDir).
		Bool("dry_run", p.flags.dryRun).
		Msg("Provisioning started")

	runErr := p.execute(ctx, store, logger, result)

	result.Status = stores.RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		result.Status = stores.RunStatusFailed
		if errors.Is(runErr, context.Canceled) {
			result.Status = stores.RunStatusCancelled
		}
		msg := runErr.Error()
		errMsg = &msg
		result.Error = msg
	}

	// Record the outcome even when the run was cancelled.
	recordCtx := context.WithoutCancel(ctx)
	if err := p.record(recordCtx, store, result); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run history")
	}
	summary := result.summary()
	if err := store.FinishRun(recordCtx, runID, result.Status, summary, errMsg); err != nil {
		logger.Warn().Err(err).Msg("Failed to finish run record")
	}
	audit(recordCtx, store, logger, "run."+string(result.Status), runID, summary)

	if err := p.metrics.WriteTextfile(); err != nil {
		logger.Warn().Err(err).Msg("Failed to write metrics textfile")
	}

	duration := scope.End(string(result.Status), runErr)
	logger.Info().
		Str("status", string(result.Status)).
		Int("sites", summary.SitesTotal).
		Int("failed", summary.SitesFailed).
		Int("changed", summary.ActionsChanged).
		Dur("duration", duration).
		Msg("Provisioning finished")

	return result, runErr
}

// execute runs the base recipe and the site pipeline.
func (p *provisioning) execute(ctx context.Context, store stores.Store, logger zerolog.Logger, result *runResult) error {
	cfg := p.s.cfg
	dryRun := p.flags.dryRun

	runner := actions.NewExecRunner(dryRun, logger)
	files := &actions.Files{Root: cfg.Paths.Root, DryRun: dryRun}
	opts := cfg.ProvisionerOptions()
	copier := &provisioner.SSHCopier{SharedDir: files.Path(opts.SharedDir), DryRun: dryRun, Logger: logger}

	prov, err := provisioner.New(opts, runner, files, copier, logger)
	if err != nil {
		return err
	}
	defer func() {
		result.results = prov.Recorder.Results()
		for _, res := range result.results {
			if res.Site == system.Scope {
				result.System = append(result.System, res)
			}
		}
		if dryRun {
			result.Commands = runner.Commands()
		}
	}()

	bag, err := sites.NewLoader(cfg.SitesDir, logger).Load(ctx)
	if err != nil {
		return provisioner.NewMissingInputError("failed to load sites data bag", err)
	}
	result.bag = bag

	if !p.flags.sitesOnly && cfg.System.Enabled {
		facts, err := collectFacts(ctx, store, cfg, logger)
		if err != nil {
			return err
		}
		attrs, err := p.attributes(ctx, facts, bag)
		if err != nil {
			return err
		}
		recipe := system.NewRecipe(attrs, facts, runner, files, prov.Notifier, prov.Recorder, logger)
		if err := recipe.Apply(ctx); err != nil {
			return err
		}
	}

	if !p.flags.systemOnly {
		if p.engine != nil {
			result.Policy, bag, err = p.checkPolicies(ctx, store, logger, bag)
			if err != nil {
				return err
			}
		}

		report, err := prov.ProvisionBag(ctx, bag)
		result.Report = report
		if err != nil {
			return err
		}
	}

	return system.FlushNotifications(ctx, prov.Recorder, prov.Notifier, runner)
}

// attributes resolves the base recipe attributes, applying the
// attributes script when one is configured.
func (p *provisioning) attributes(ctx context.Context, facts *system.Facts, bag *sites.Bag) (system.Attributes, error) {
	cfg := p.s.cfg
	attrs := cfg.SystemAttributes()

	if cfg.Attributes.Script != "" {
		script, err := os.ReadFile(cfg.Attributes.Script)
		if err != nil {
			return attrs, provisioner.NewMissingInputError("failed to read attributes script", err)
		}

		factsDoc, err := toDocument(facts.Namespaces())
		if err != nil {
			return attrs, err
		}
		siteDocs := make([]map[string]interface{}, 0, len(bag.Sites))
		for _, site := range bag.Sites {
			doc, err := toDocument(site)
			if err != nil {
				return attrs, err
			}
			siteDocs = append(siteDocs, doc)
		}

		evaluator := config.NewStarlarkEvaluator(cfg.Attributes.Timeout())
		overrides, err := evaluator.EvaluateAttributes(ctx, string(script), factsDoc, siteDocs)
		if err != nil {
			return attrs, err
		}
		if attrs, err = attrs.Override(overrides); err != nil {
			return attrs, fmt.Errorf("%s: %w", cfg.Attributes.Script, err)
		}
		zerolog.Ctx(ctx).Debug().Int("overrides", len(overrides)).Msg("Applied attributes script")
	}

	return attrs, attrs.Validate()
}

// checkPolicies evaluates the site policies. In enforcing mode sites with
// blocking violations are moved to the bag's skipped list.
func (p *provisioning) checkPolicies(ctx context.Context, store stores.Store, logger zerolog.Logger, bag *sites.Bag) (*policy.Report, *sites.Bag, error) {
	report, err := p.engine.Evaluate(ctx, bag.Sites, policy.Context{
		Operation: p.operation,
		DryRun:    p.flags.dryRun,
	})
	if err != nil {
		return nil, bag, fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, v := range report.All() {
		event := logger.Warn()
		if v.Severity.Blocking() {
			event = logger.Error()
		}
		event.Str("site", v.Site).
			Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}

	enforcing := p.flags.enforcePolicy || policy.Mode(p.s.cfg.Policy.Mode) == policy.ModeEnforcing
	blocked := report.Blocked()
	if !enforcing || len(blocked) == 0 {
		return report, bag, nil
	}

	isBlocked := make(map[string]bool, len(blocked))
	for _, id := range blocked {
		isBlocked[id] = true
	}

	filtered := *bag
	filtered.Sites = nil
	filtered.Skipped = append([]sites.Skip(nil), bag.Skipped...)
	for _, site := range bag.Sites {
		if !isBlocked[site.ID] {
			filtered.Sites = append(filtered.Sites, site)
			continue
		}
		res, _ := report.Result(site.ID)
		messages := make([]string, 0, len(res.Violations))
		for _, v := range res.Violations {
			messages = append(messages, v.Message)
		}
		reason := "blocked by policy: " + strings.Join(messages, "; ")
		filtered.Skipped = append(filtered.Skipped, sites.Skip{Source: site.Source, ID: site.ID, Reason: reason})
		audit(ctx, store, logger, "site.blocked", site.ID, res.Violations)
	}

	return report, &filtered, nil
}

// record appends the run's actions and, outside dry runs, the state of
// every provisioned site.
func (p *provisioning) record(ctx context.Context, store stores.Store, result *runResult) error {
	events := make([]*stores.ActionEvent, 0, len(result.results))
	for _, res := range result.results {
		event := &stores.ActionEvent{
			RunID:      result.RunID,
			Site:       res.Site,
			Action:     res.Name,
			Kind:       res.Kind,
			Status:     res.Status(),
			DurationMS: res.Duration.Milliseconds(),
			Timestamp:  res.StartedAt,
		}
		if res.Error != "" {
			msg := res.Error
			event.Error = &msg
		}
		events = append(events, event)
	}
	if err := store.AppendActionEvents(ctx, events); err != nil {
		return err
	}

	if p.flags.dryRun || result.Report == nil || result.bag == nil {
		return nil
	}

	now := time.Now()
	for _, sr := range result.Report.Sites {
		site, ok := result.bag.Find(sr.ID)
		if !ok {
			continue
		}
		hash, data, err := siteHash(site)
		if err != nil {
			return err
		}
		state := &stores.SiteState{
			SiteID:      sr.ID,
			Host:        sr.Host,
			Framework:   string(sr.Framework),
			Status:      sr.Status(),
			State:       string(data),
			Hash:        hash,
			LastRunID:   result.RunID,
			LastApplied: now,
		}
		if err := store.UpsertSiteState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// audit writes an audit entry, logging instead of failing the run.
func audit(ctx context.Context, store stores.Store, logger zerolog.Logger, action, target string, details interface{}) {
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    actor(),
		TargetID: &target,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			d := string(data)
			entry.Details = &d
		}
	}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func actor() string {
	for _, env := range []string{"SUDO_USER", "USER"} {
		if u := os.Getenv(env); u != "" {
			return u
		}
	}
	return "unknown"
}

// toDocument converts v into plain maps through its JSON encoding.
func toDocument(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
