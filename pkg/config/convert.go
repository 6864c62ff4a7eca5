package config

import (
	"github.com/openfroyo/lampbox/pkg/mysql"
	"github.com/openfroyo/lampbox/pkg/provisioner"
	"github.com/openfroyo/lampbox/pkg/system"
	"github.com/openfroyo/lampbox/pkg/telemetry"
)

// ProvisionerOptions maps the configuration onto site pipeline options.
func (c *Config) ProvisionerOptions() provisioner.Options {
	return provisioner.Options{
		BaseDir:        c.Paths.BaseDir,
		SharedDir:      c.Paths.SharedDir,
		ApacheDir:      c.Paths.ApacheDir,
		ApacheLogDir:   c.Paths.ApacheLogDir,
		MySQLConfDir:   c.Paths.MySQLConfDir,
		HostsFile:      c.Paths.HostsFile,
		StagingDir:     c.Paths.StagingDir,
		CronDir:        c.Paths.CronDir,
		RootPassword:   c.MySQL.RootPassword,
		ExistenceCheck: mysql.CheckMode(c.MySQL.ExistenceCheck),
		DedupeHosts:    c.Hosts.Dedupe,
	}
}

// SystemAttributes maps the configuration onto base recipe attributes.
func (c *Config) SystemAttributes() system.Attributes {
	s := c.System
	return system.Attributes{
		Packages:              append([]string(nil), s.Packages...),
		Gems:                  append([]string(nil), s.Gems...),
		ApacheModules:         append([]string(nil), s.ApacheModules...),
		ApacheDir:             c.Paths.ApacheDir,
		DefaultSite:           s.DefaultSite,
		PHPConfDir:            s.PHPConfDir,
		PHPExtConfDir:         s.PHPExtConfDir,
		XdebugExtension:       s.Xdebug.Extension,
		XdebugRemotePort:      s.Xdebug.RemotePort,
		XdebugProfilerDir:     s.Xdebug.ProfilerDir,
		WebgrindDir:           s.Webgrind.Dir,
		WebgrindRepo:          s.Webgrind.Repo,
		APCMemory:             s.APCMemory,
		MailcatcherInterface:  s.Mailcatcher.Interface,
		CatchmailPath:         s.Mailcatcher.CatchmailPath,
		RootPassword:          c.MySQL.RootPassword,
		PhpMyAdminAppPassword: s.PhpMyAdminPassword,
	}
}

// TelemetryConfig maps the configuration onto telemetry settings.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Enabled = c.Telemetry.TraceExporter != "none"
	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	tc.Metrics.TextfilePath = c.Telemetry.MetricsTextfile
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	return tc
}
