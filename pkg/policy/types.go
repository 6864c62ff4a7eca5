package policy

import (
	"sort"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a site in enforcing mode.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Blocking reports whether the severity blocks a site.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode selects what happens to sites that violate a blocking policy.
type Mode string

const (
	// ModeAdvisory reports violations and provisions every site.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing skips sites with blocking violations.
	ModeEnforcing Mode = "enforcing"
)

// Policy represents a policy rule with its Rego code. The module must define
// a "deny" set of objects with a "message" and an optional "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with lampbox.
	Builtin bool `json:"-"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy" yaml:"policy"`

	// Site is the id of the offending site.
	Site string `json:"site" yaml:"site"`

	// Message is a human-readable violation message.
	Message string `json:"message" yaml:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity" yaml:"severity"`
}

// Input is the document policies are evaluated against.
type Input struct {
	// Site is the descriptor being evaluated.
	Site map[string]interface{} `json:"site"`

	// Sites holds every descriptor of the run, including Site.
	Sites []map[string]interface{} `json:"sites"`

	// Context describes the operation.
	Context Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is "provision", "plan" or "validate".
	Operation string `json:"operation"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Result is the outcome of policy evaluation for one site.
type Result struct {
	// Site is the evaluated site id.
	Site string `json:"site" yaml:"site"`

	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed" yaml:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty" yaml:"violations,omitempty"`

	// Warnings are the violations that don't block a site.
	Warnings []Violation `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Report is the result of evaluating every site of a run.
type Report struct {
	// Results holds one entry per site, in input order.
	Results []*Result `json:"results" yaml:"results"`

	// EvaluatedPolicies lists the names of enabled policies.
	EvaluatedPolicies []string `json:"evaluated_policies" yaml:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at" yaml:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Blocked returns the ids of sites with blocking violations.
func (r *Report) Blocked() []string {
	var ids []string
	for _, res := range r.Results {
		if !res.Allowed {
			ids = append(ids, res.Site)
		}
	}
	return ids
}

// Result returns the result for a site id.
func (r *Report) Result(site string) (*Result, bool) {
	for _, res := range r.Results {
		if res.Site == site {
			return res, true
		}
	}
	return nil, false
}

// Summary counts violations by severity.
func (r *Report) Summary() map[Severity]int {
	counts := make(map[Severity]int)
	for _, res := range r.Results {
		for _, v := range res.Violations {
			counts[v.Severity]++
		}
		for _, v := range res.Warnings {
			counts[v.Severity]++
		}
	}
	return counts
}

// All returns every violation and warning ordered by site then policy.
func (r *Report) All() []Violation {
	var all []Violation
	for _, res := range r.Results {
		all = append(all, res.Violations...)
		all = append(all, res.Warnings...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Site != all[j].Site {
			return all[i].Site < all[j].Site
		}
		return all[i].Policy < all[j].Policy
	})
	return all
}
