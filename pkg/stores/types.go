package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a provisioning run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents a provisioning run
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	ConfigPath  string     `json:"config_path" yaml:"config_path"`
	SitesDir    string     `json:"sites_dir" yaml:"sites_dir"`
	Status      RunStatus  `json:"status" yaml:"status"`
	DryRun      bool       `json:"dry_run" yaml:"dry_run"`
	Summary     RunSummary `json:"summary" yaml:"summary"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    string     `json:"metadata" yaml:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
}

// RunSummary holds the counters recorded when a run finishes
type RunSummary struct {
	SitesTotal     int `json:"sites_total" yaml:"sites_total"`
	SitesFailed    int `json:"sites_failed" yaml:"sites_failed"`
	SitesSkipped   int `json:"sites_skipped" yaml:"sites_skipped"`
	ActionsChanged int `json:"actions_changed" yaml:"actions_changed"`
}

// ActionEvent is one action performed during a run. Events are append-only.
type ActionEvent struct {
	ID         int64     `json:"id" yaml:"id"`
	RunID      string    `json:"run_id" yaml:"run_id"`
	Site       string    `json:"site" yaml:"site"`
	Action     string    `json:"action" yaml:"action"`
	Kind       string    `json:"kind" yaml:"kind"`
	Status     string    `json:"status" yaml:"status"`
	Error      *string   `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMS int64     `json:"duration_ms" yaml:"duration_ms"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
}

// SiteState is the last recorded outcome of a site
type SiteState struct {
	SiteID      string    `json:"site_id" yaml:"site_id"`
	Host        string    `json:"host" yaml:"host"`
	Framework   string    `json:"framework" yaml:"framework"`
	Status      string    `json:"status" yaml:"status"`
	State       string    `json:"state" yaml:"state"` // JSON blob
	Hash        string    `json:"hash" yaml:"hash"`   // SHA256 of the descriptor, for drift detection
	LastRunID   string    `json:"last_run_id" yaml:"last_run_id"`
	LastApplied time.Time `json:"last_applied" yaml:"last_applied"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// Fact represents a discovered fact about the machine
type Fact struct {
	ID        string     `json:"id" yaml:"id"`
	TargetID  string     `json:"target_id" yaml:"target_id"` // host name
	Namespace string     `json:"namespace" yaml:"namespace"` // e.g., "os.basic", "net.ifaces"
	Key       string     `json:"key" yaml:"key"`
	Value     string     `json:"value" yaml:"value"` // JSON blob
	TTL       int        `json:"ttl" yaml:"ttl"`     // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id" yaml:"id"`
	Action    string    `json:"action" yaml:"action"`                           // e.g., "run.started", "site.blocked"
	Actor     string    `json:"actor" yaml:"actor"`                             // user running lampbox
	TargetID  *string   `json:"target_id,omitempty" yaml:"target_id,omitempty"` // run or site id
	Details   *string   `json:"details,omitempty" yaml:"details,omitempty"`     // JSON blob
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, summary RunSummary, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Action events
	AppendActionEvents(ctx context.Context, events []*ActionEvent) error
	ListActionEvents(ctx context.Context, runID string, site *string) ([]*ActionEvent, error)

	// Site state
	UpsertSiteState(ctx context.Context, state *SiteState) error
	GetSiteState(ctx context.Context, siteID string) (*SiteState, error)
	ListSiteStates(ctx context.Context) ([]*SiteState, error)

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, targetID, namespace, key string) (*Fact, error)
	ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// ErrNotFound is returned when a record does not exist.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return e.Kind + " not found: " + e.ID
}
