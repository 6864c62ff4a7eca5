// Package sites models the sites data bag: one descriptor per web site the
// development machine serves.
package sites

// Framework selects framework-specific steps of the site pipeline.
type Framework string

const (
	FrameworkNone      Framework = ""
	FrameworkMagento   Framework = "magento"
	FrameworkWordPress Framework = "wordpress"
	FrameworkDrupal    Framework = "drupal"
)

// Known reports whether f is one of the supported frameworks.
func (f Framework) Known() bool {
	switch f {
	case FrameworkNone, FrameworkMagento, FrameworkWordPress, FrameworkDrupal:
		return true
	}
	return false
}

// Site is a single site descriptor. Descriptors are read-only input for one
// provisioning pass.
type Site struct {
	// ID identifies the item. Empty means the item carried no id.
	ID string `json:"id" yaml:"id"`

	// Host is the server name. Empty means the item carried no host.
	Host string `json:"host" yaml:"host" validate:"required,hostname_rfc1123"`

	Webroot   string    `json:"webroot,omitempty" yaml:"webroot,omitempty"`
	Aliases   []string  `json:"aliases" yaml:"aliases" validate:"dive,hostname_rfc1123"`
	Framework Framework `json:"framework,omitempty" yaml:"framework,omitempty"`

	Rsync     []RsyncSpec    `json:"rsync,omitempty" yaml:"rsync,omitempty" validate:"dive"`
	Databases []DatabaseSpec `json:"database,omitempty" yaml:"database,omitempty" validate:"dive"`

	// DBName is the legacy site-level db_name field. It is only consulted by
	// the site-level existence check.
	DBName string `json:"db_name,omitempty" yaml:"db_name,omitempty"`

	// Source is the data bag file the descriptor was read from.
	Source string `json:"-" yaml:"-"`

	// Raw is the decoded item as it appeared in the data bag.
	Raw map[string]any `json:"-" yaml:"-"`
}

// DatabaseSpec declares one database owned by a site.
type DatabaseSpec struct {
	Name       string      `json:"db_name" yaml:"db_name" validate:"required,dbident"`
	User       string      `json:"db_user" yaml:"db_user"`
	Password   string      `json:"db_pass" yaml:"db_pass"`
	Prefix     string      `json:"db_prefix,omitempty" yaml:"db_prefix,omitempty" validate:"omitempty,dbident"`
	ImportFile string      `json:"db_import_file,omitempty" yaml:"db_import_file,omitempty"`
	Copy       *DBCopySpec `json:"db_copy,omitempty" yaml:"db_copy,omitempty"`

	// HasPrefix records whether db_prefix was present in the item.
	HasPrefix bool `json:"-" yaml:"-"`
}

// TablePrefix returns the table prefix with its separator, or "" when the
// database declares no prefix.
func (d DatabaseSpec) TablePrefix() string {
	if !d.HasPrefix && d.Prefix == "" {
		return ""
	}
	return d.Prefix + "_"
}

// DBCopySpec describes a remote database to dump and copy over SSH.
type DBCopySpec struct {
	SSHHost        string `json:"ssh_host" yaml:"ssh_host" validate:"required"`
	SSHUser        string `json:"ssh_user" yaml:"ssh_user" validate:"required"`
	SSHPrivateKey  string `json:"ssh_private_key" yaml:"ssh_private_key" validate:"required"`
	SSHPort        int    `json:"ssh_port,omitempty" yaml:"ssh_port,omitempty" validate:"omitempty,min=1,max=65535"`
	MySQLUser      string `json:"mysql_user" yaml:"mysql_user"`
	MySQLPassword  string `json:"mysql_pass" yaml:"mysql_pass"`
	RemoteDatabase string `json:"remote_database" yaml:"remote_database" validate:"required,dbident"`
}

// Port returns the SSH port, defaulting to 22.
func (c DBCopySpec) Port() int {
	if c.SSHPort == 0 {
		return 22
	}
	return c.SSHPort
}

// RsyncSpec describes a remote directory to mirror into the document root.
type RsyncSpec struct {
	SSHHost          string `json:"ssh_host" yaml:"ssh_host" validate:"required"`
	SSHUser          string `json:"ssh_user" yaml:"ssh_user" validate:"required"`
	SSHPrivateKey    string `json:"ssh_private_key" yaml:"ssh_private_key" validate:"required"`
	RemoteSourcePath string `json:"remote_source_path" yaml:"remote_source_path" validate:"required"`
	LocalTargetPath  string `json:"local_target_path" yaml:"local_target_path"`
}

// Skip records a data bag entry that was not turned into a descriptor.
type Skip struct {
	Source string `json:"source"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// Bag is the loaded sites collection.
type Bag struct {
	Dir     string `json:"dir"`
	Sites   []Site `json:"sites"`
	Skipped []Skip `json:"skipped,omitempty"`

	// Missing is set when the data bag directory does not exist.
	Missing bool `json:"missing,omitempty"`
}
