package provisioner

import (
	"fmt"

	"github.com/openfroyo/lampbox/pkg/mysql"
	"github.com/openfroyo/lampbox/pkg/sites"
)

// Options holds the machine layout the pipeline writes to.
type Options struct {
	// BaseDir holds one directory per site host.
	BaseDir string

	// SharedDir is the folder shared from the host machine. SSH private
	// keys named by descriptors are relative to it.
	SharedDir string

	// ApacheDir is the Apache configuration directory.
	ApacheDir string

	// ApacheLogDir receives the per-site access and error logs.
	ApacheLogDir string

	// MySQLConfDir receives grants.sql.
	MySQLConfDir string

	// HostsFile gets one loopback line per site.
	HostsFile string

	// StagingDir receives database dumps copied from remote servers.
	StagingDir string

	// CronDir receives the Magento cron schedules. The cron scripts are
	// written to /etc.
	CronDir string

	// RootPassword is the MySQL root password.
	RootPassword string

	// ExistenceCheck selects the needle of the "database exists" check.
	ExistenceCheck mysql.CheckMode

	// DedupeHosts skips the hosts line when it is already present.
	DedupeHosts bool
}

// DefaultOptions returns the layout of the development machine.
func DefaultOptions() Options {
	return Options{
		BaseDir:        sites.DefaultBaseDir,
		SharedDir:      "/vagrant",
		ApacheDir:      "/etc/apache2",
		ApacheLogDir:   "/var/log/apache2",
		MySQLConfDir:   "/etc/mysql",
		HostsFile:      "/etc/hosts",
		StagingDir:     "/home/vagrant",
		CronDir:        "/etc/cron.d",
		ExistenceCheck: mysql.CheckDatabase,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.BaseDir == "" {
		return fmt.Errorf("base dir is required")
	}
	if o.ApacheDir == "" {
		return fmt.Errorf("apache dir is required")
	}
	if o.MySQLConfDir == "" {
		return fmt.Errorf("mysql conf dir is required")
	}
	if o.HostsFile == "" {
		return fmt.Errorf("hosts file is required")
	}
	if o.StagingDir == "" {
		return fmt.Errorf("staging dir is required")
	}
	if !o.ExistenceCheck.Valid() {
		return fmt.Errorf("invalid existence check: %q", o.ExistenceCheck)
	}
	return nil
}
