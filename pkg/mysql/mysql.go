// Package mysql drives the local MySQL server through its command-line
// clients using fixed command shapes.
package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/lampbox/pkg/actions"
	"github.com/openfroyo/lampbox/pkg/sites"
)

const (
	DefaultClient = "/usr/bin/mysql"
	DefaultAdmin  = "/usr/bin/mysqladmin"
)

// CheckMode selects which needle the existence check looks for in the
// SHOW DATABASES listing.
type CheckMode string

const (
	// CheckDatabase looks for the database's own name.
	CheckDatabase CheckMode = "database"

	// CheckSite looks for the site-level db_name field. The field is
	// usually absent, and an empty needle matches any non-empty listing.
	CheckSite CheckMode = "site"
)

// Valid reports whether m is a known check mode.
func (m CheckMode) Valid() bool {
	return m == CheckDatabase || m == CheckSite
}

// Admin runs database administration commands as root.
type Admin struct {
	Runner       actions.Runner
	RootPassword string
	Client       string
	AdminBin     string
}

// NewAdmin creates an Admin using the default client binaries.
func NewAdmin(r actions.Runner, rootPassword string) *Admin {
	return &Admin{
		Runner:       r,
		RootPassword: rootPassword,
		Client:       DefaultClient,
		AdminBin:     DefaultAdmin,
	}
}

// ValidateName rejects database names and prefixes that are unsafe to
// place in commands and SQL.
func ValidateName(name string) error {
	if !sites.ValidIdent(name) {
		return fmt.Errorf("invalid database identifier %q", name)
	}
	return nil
}

func (a *Admin) passwordArg() string {
	return "-p" + a.RootPassword
}

// List runs SHOW DATABASES LIKE '{db}' and returns the raw listing.
func (a *Admin) List(ctx context.Context, db string) (string, error) {
	if err := ValidateName(db); err != nil {
		return "", err
	}
	out, err := a.Runner.Run(ctx, a.Client, "-u", "root", a.passwordArg(),
		"-e", fmt.Sprintf("SHOW DATABASES LIKE '%s'", db))
	if err != nil {
		return "", fmt.Errorf("failed to list databases: %w", err)
	}
	return out, nil
}

// Exists lists databases like db and looks for needle in the listing.
func (a *Admin) Exists(ctx context.Context, db, needle string) (bool, error) {
	out, err := a.List(ctx, db)
	if err != nil {
		return false, err
	}
	return actions.DatabaseListed(out, needle), nil
}

// Create runs mysqladmin create.
func (a *Admin) Create(ctx context.Context, db string) error {
	if err := ValidateName(db); err != nil {
		return err
	}
	if _, err := a.Runner.Run(ctx, a.AdminBin, "-u", "root", a.passwordArg(), "create", db); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db, err)
	}
	return nil
}

// EnsureDatabase creates db unless needle is found in the listing.
// It reports whether the database was created in this call.
func (a *Admin) EnsureDatabase(ctx context.Context, db, needle string) (bool, error) {
	exists, err := a.Exists(ctx, db, needle)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := a.Create(ctx, db); err != nil {
		return false, err
	}
	return true, nil
}

// Import loads a SQL dump from file into db.
func (a *Admin) Import(ctx context.Context, db, file string) error {
	if err := ValidateName(db); err != nil {
		return err
	}
	script := fmt.Sprintf("%s -u root %s %s < %s",
		a.Client, actions.Quote(a.passwordArg()), db, actions.Quote(file))
	if _, err := actions.Shell(ctx, a.Runner, script); err != nil {
		return fmt.Errorf("failed to import %s into %s: %w", file, db, err)
	}
	return nil
}

// Exec runs sql against db. An empty db runs it without a default
// database.
func (a *Admin) Exec(ctx context.Context, db, sql string) error {
	args := []string{"-u", "root", a.passwordArg()}
	if db != "" {
		if err := ValidateName(db); err != nil {
			return err
		}
		args = append(args, db)
	}
	args = append(args, "-e", sql)
	if _, err := a.Runner.Run(ctx, a.Client, args...); err != nil {
		return fmt.Errorf("failed to run query: %w", err)
	}
	return nil
}

// MagentoBaseURLSQL rewrites the unsecure and secure base URLs.
func MagentoBaseURLSQL(prefix, host string) string {
	table := prefix + "core_config_data"
	return fmt.Sprintf(
		"UPDATE %s SET value = 'http://%s/' WHERE path = 'web/unsecure/base_url' ; "+
			"UPDATE %s SET value = 'https://%s/' WHERE path = 'web/secure/base_url' ; ",
		table, escape(host), table, escape(host))
}

// WordPressURLSQL rewrites the siteurl and home options.
func WordPressURLSQL(prefix, host string) string {
	return fmt.Sprintf(
		"UPDATE %soptions SET option_value = 'http://%s' WHERE option_name IN ('siteurl','home');",
		prefix, escape(host))
}

// VagrantGrantSQL grants the vagrant user full access from anywhere.
const VagrantGrantSQL = "GRANT ALL PRIVILEGES ON *.* TO 'vagrant'@'%' IDENTIFIED BY 'vagrant' WITH GRANT OPTION ;"

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
