package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/lampbox/pkg/sites"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against site descriptors.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	logger          zerolog.Logger
	builtinPolicies []Policy
	paths           []string
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate evaluates every enabled policy against each site. A policy that
// fails to evaluate is reported as a warning on the site.
func (e *Engine) Evaluate(ctx context.Context, all []sites.Site, pctx Context) (*Report, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = startTime
	}

	docs := make([]map[string]interface{}, len(all))
	for i, s := range all {
		doc, err := siteDocument(s)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", s.ID, err)
		}
		docs[i] = doc
	}

	enabled := e.enabled()
	report := &Report{
		Results:     make([]*Result, 0, len(all)),
		EvaluatedAt: startTime,
	}
	for _, cp := range enabled {
		report.EvaluatedPolicies = append(report.EvaluatedPolicies, cp.policy.Name)
	}

	for i, s := range all {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := &Result{Site: s.ID, Allowed: true}
		input := inputDocument(&Input{Site: docs[i], Sites: docs, Context: pctx})

		for _, cp := range enabled {
			violations, err := e.evaluatePolicy(ctx, cp, input, s.ID)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("site", s.ID).
					Msg("Policy evaluation failed")
				res.Warnings = append(res.Warnings, Violation{
					Policy:   cp.policy.Name,
					Site:     s.ID,
					Message:  fmt.Sprintf("evaluation failed: %v", err),
					Severity: SeverityWarning,
				})
				continue
			}

			for _, v := range violations {
				if v.Severity.Blocking() {
					res.Allowed = false
					res.Violations = append(res.Violations, v)
				} else {
					res.Warnings = append(res.Warnings, v)
				}
			}
		}

		report.Results = append(report.Results, res)
	}

	report.Duration = time.Since(startTime)
	e.logger.Debug().
		Int("sites", len(all)).
		Int("blocked", len(report.Blocked())).
		Dur("duration", report.Duration).
		Msg("Site policy evaluation completed")

	return report, nil
}

// siteDocument renders a descriptor the way policies see it: the decoded
// descriptor's JSON form.
func siteDocument(s sites.Site) (map[string]interface{}, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// enabled returns the enabled policies sorted by name.
func (e *Engine) enabled() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// LoadPolicies loads policy files and directories in addition to the
// built-in policies. The paths are remembered for ReloadPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).Load(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.paths = append(e.paths, paths...)
	return e.storePolicies(ctx, policies)
}

func (e *Engine) storePolicies(ctx context.Context, policies []Policy) error {
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}, site string) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, site))
		}
	}

	return violations, nil
}

// inputDocument converts the input to plain JSON values.
func inputDocument(input *Input) map[string]interface{} {
	all := make([]interface{}, len(input.Sites))
	for i, s := range input.Sites {
		all[i] = s
	}
	return map[string]interface{}{
		"site":  input.Site,
		"sites": all,
		"context": map[string]interface{}{
			"operation": input.Context.Operation,
			"dry_run":   input.Context.DryRun,
			"timestamp": input.Context.Timestamp.Format(time.RFC3339),
		},
	}
}

// createViolation creates a Violation from a deny entry.
func createViolation(policy *Policy, result interface{}, site string) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Site:     site,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. The module must
// define a deny rule in its package.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// ReloadPolicies recompiles the built-in policies and reloads every path
// previously passed to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	var loaded []Policy
	if len(paths) > 0 {
		var err error
		loaded, err = NewLoader(e.logger).Load(paths)
		if err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}

	return e.replace(ctx, loaded)
}

// replace swaps the loaded policies for the given set, keeping the
// built-in ones and the enabled state of policies that survive.
func (e *Engine) replace(ctx context.Context, loaded []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy)
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		e.policies = previous
		return err
	}
	if err := e.storePolicies(ctx, loaded); err != nil {
		e.policies = previous
		return err
	}

	for name, cp := range e.policies {
		if old, ok := previous[name]; ok && !old.policy.Enabled {
			cp.policy.Enabled = false
		}
	}
	return nil
}

// Watch reloads the policies whenever a file under the loaded paths
// changes. It blocks until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	if len(paths) == 0 {
		return nil
	}

	return NewLoader(e.logger).Watch(ctx, paths, DefaultReloadDelay, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	if enabled {
		e.logger.Info().Str("policy", name).Msg("Policy enabled")
	} else {
		e.logger.Info().Str("policy", name).Msg("Policy disabled")
	}

	return nil
}
