package config

import "time"

// Config is the lampbox configuration, read from lampbox.cue.
type Config struct {
	// SitesDir is the sites data bag directory.
	SitesDir string `json:"sites_dir" validate:"required"`

	// StateDB is the SQLite run history database.
	StateDB string `json:"state_db" validate:"required"`

	Paths      PathsConfig      `json:"paths"`
	MySQL      MySQLConfig      `json:"mysql"`
	Hosts      HostsConfig      `json:"hosts"`
	System     SystemConfig     `json:"system"`
	Policy     PolicyConfig     `json:"policy"`
	Attributes AttributesConfig `json:"attributes"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Facts      FactsConfig      `json:"facts"`
}

// PathsConfig is the machine layout.
type PathsConfig struct {
	BaseDir      string `json:"base_dir" validate:"required"`
	SharedDir    string `json:"shared_dir" validate:"required"`
	ApacheDir    string `json:"apache_dir" validate:"required"`
	ApacheLogDir string `json:"apache_log_dir" validate:"required"`
	MySQLConfDir string `json:"mysql_conf_dir" validate:"required"`
	HostsFile    string `json:"hosts_file" validate:"required"`
	StagingDir   string `json:"staging_dir" validate:"required"`
	CronDir      string `json:"cron_dir" validate:"required"`

	// Root is prefixed to every path the run reads, writes or passes to a
	// command as a file argument. Rendered files still name the real paths.
	// Empty uses the real filesystem.
	Root string `json:"root,omitempty"`
}

// MySQLConfig configures the database steps.
type MySQLConfig struct {
	RootPassword string `json:"root_password"`

	// ExistenceCheck is "database" or "site".
	ExistenceCheck string `json:"existence_check" validate:"oneof=database site"`
}

// HostsConfig configures the hosts file entries.
type HostsConfig struct {
	Dedupe bool `json:"dedupe"`
}

// SystemConfig tunes the base recipe.
type SystemConfig struct {
	Enabled       bool     `json:"enabled"`
	Packages      []string `json:"packages" validate:"dive,required"`
	Gems          []string `json:"gems" validate:"dive,required"`
	ApacheModules []string `json:"apache_modules" validate:"dive,required"`
	DefaultSite   string   `json:"default_site"`
	PHPConfDir    string   `json:"php_conf_dir" validate:"required"`
	PHPExtConfDir string   `json:"php_ext_conf_dir" validate:"required"`

	Xdebug      XdebugConfig      `json:"xdebug"`
	Webgrind    WebgrindConfig    `json:"webgrind"`
	Mailcatcher MailcatcherConfig `json:"mailcatcher"`

	APCMemory          string `json:"apc_memory,omitempty"`
	PhpMyAdminPassword string `json:"phpmyadmin_password"`
}

// XdebugConfig configures xdebug.ini.
type XdebugConfig struct {
	Extension   string `json:"extension" validate:"required"`
	RemotePort  int    `json:"remote_port" validate:"min=1,max=65535"`
	ProfilerDir string `json:"profiler_dir" validate:"required"`
}

// WebgrindConfig configures the webgrind checkout.
type WebgrindConfig struct {
	Dir  string `json:"dir" validate:"required"`
	Repo string `json:"repo" validate:"required"`
}

// MailcatcherConfig configures mailcatcher.
type MailcatcherConfig struct {
	Interface     string `json:"interface" validate:"required"`
	CatchmailPath string `json:"catchmail_path" validate:"required"`
}

// PolicyConfig configures policy evaluation of site descriptors.
type PolicyConfig struct {
	// Enabled indicates if policies are evaluated.
	Enabled bool `json:"enabled"`

	// Paths lists extra policy files or directories.
	Paths []string `json:"paths,omitempty"`

	// Mode is advisory (report only) or enforcing (skip violating sites).
	Mode string `json:"mode" validate:"oneof=advisory enforcing"`
}

// AttributesConfig configures the Starlark attributes script.
type AttributesConfig struct {
	// Script is a Starlark file whose globals override system attributes.
	Script string `json:"script,omitempty"`

	// TimeoutSeconds bounds the script's execution.
	TimeoutSeconds int `json:"timeout_seconds" validate:"min=1"`
}

// Timeout returns the script timeout.
func (a AttributesConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel        string  `json:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string  `json:"log_format" validate:"oneof=console json"`
	TraceExporter   string  `json:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint   string  `json:"trace_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	SamplingRate    float64 `json:"sampling_rate" validate:"min=0,max=1"`
	MetricsTextfile string  `json:"metrics_textfile,omitempty"`
	MetricsAddr     string  `json:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

// FactsConfig configures fact storage.
type FactsConfig struct {
	TTLSeconds int `json:"ttl_seconds" validate:"min=0"`
}

// ParsedConfig is the result of parsing a configuration source.
type ParsedConfig struct {
	// Config is the decoded configuration. It is nil when Errors is not
	// empty.
	Config *Config `json:"config,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path of the error (e.g. "mysql.existence_check").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmtLocation(e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return loc + ": " + e.Path + ": " + e.Message
	case loc != "":
		return loc + ": " + e.Message
	case e.Path != "":
		return e.Path + ": " + e.Message
	}
	return e.Message
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
