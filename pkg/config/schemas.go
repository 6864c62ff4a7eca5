package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// builtinPrefix marks positions inside registered schemas.
const builtinPrefix = "schema/"

// Built-in schema names.
const (
	SchemaLampbox = "lampbox"
	SchemaSite    = "site"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, def := range map[string][2]string{
		SchemaLampbox: {"#Lampbox", builtinLampboxSchema},
		SchemaSite:    {"#Site", builtinSiteSchema},
	} {
		if err := sr.RegisterSchema(name, def[0], def[1]); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(builtinPrefix+name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateSite validates a raw data bag item against the site schema.
func (sr *SchemaRegistry) ValidateSite(ctx context.Context, item map[string]any) error {
	return sr.ValidateAgainstSchema(ctx, SchemaSite, item)
}

// ListSchemas returns all registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinLampboxSchema holds every default; an empty lampbox.cue yields
// the stock machine.
const builtinLampboxSchema = `
#Lampbox: {
	sites_dir: string | *"data_bags/sites"
	state_db:  string | *"/var/lib/lampbox/state.db"

	paths: {
		base_dir:       string | *"/vagrant/sites"
		shared_dir:     string | *"/vagrant"
		apache_dir:     string | *"/etc/apache2"
		apache_log_dir: string | *"/var/log/apache2"
		mysql_conf_dir: string | *"/etc/mysql"
		hosts_file:     string | *"/etc/hosts"
		staging_dir:    string | *"/home/vagrant"
		cron_dir:       string | *"/etc/cron.d"
		root?:          string
	}

	mysql: {
		root_password:   string | *""
		existence_check: *"database" | "site"
	}

	hosts: dedupe: bool | *false

	system: {
		enabled: bool | *true
		packages: [...string] | *[
			"apache2", "mysql-server", "php5", "libapache2-mod-php5",
			"debconf", "vim", "screen", "mc", "subversion", "curl", "tmux",
			"make", "g++", "libsqlite3-dev", "git",
			"drush", "imagemagick", "php5-memcache", "php5-curl", "php-pear",
		]
		gems:           [...string] | *["rake", "mailcatcher"]
		apache_modules: [...string] | *["rewrite", "ssl", "php5"]
		default_site:     string | *"000-default"
		php_conf_dir:     string | *"/etc/php5/conf.d"
		php_ext_conf_dir: string | *"/etc/php5/conf.d"

		xdebug: {
			extension:    string | *"/usr/lib/php5/20090626/xdebug.so"
			remote_port:  int & >0 & <65536 | *9000
			profiler_dir: string | *"/tmp"
		}
		webgrind: {
			dir:  string | *"/var/www/webgrind"
			repo: string | *"git://github.com/jokkedk/webgrind.git"
		}
		mailcatcher: {
			interface:      string | *"eth1"
			catchmail_path: string | *"catchmail"
		}

		apc_memory?:         string
		phpmyadmin_password: string | *"vagrant"
	}

	policy: {
		enabled: bool | *true
		paths?: [...string]
		mode: *"advisory" | "enforcing"
	}

	attributes: {
		script?:         string
		timeout_seconds: int & >0 | *30
	}

	telemetry: {
		log_level:         *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
		log_format:        *"console" | "json"
		trace_exporter:    *"none" | "stdout" | "otlp"
		trace_endpoint?:   string
		sampling_rate:     number & >=0 & <=1 | *1.0
		metrics_textfile?: string
		metrics_addr?:     string
	}

	facts: ttl_seconds: int & >=0 | *3600
}
`

// builtinSiteSchema describes a sites data bag item. Unknown fields are
// allowed; aliases may hold anything and are normalized later.
const builtinSiteSchema = `
#Site: {
	id:         string
	host:       string & =~"^[A-Za-z0-9.-]+$"
	webroot?:   string
	aliases?:   _
	framework?: "" | "magento" | "wordpress" | "drupal"
	db_name?:   string

	rsync?: [...{
		ssh_host:           string
		ssh_user:           string
		ssh_private_key:    string
		remote_source_path: string
		local_target_path?: string
		...
	}]

	database?: [...{
		db_name:         string & =~"^[A-Za-z0-9_$-]+$"
		db_user?:        string
		db_pass?:        string
		db_prefix?:      string & =~"^[A-Za-z0-9_$-]+$"
		db_import_file?: string
		db_copy?: {
			ssh_host:        string
			ssh_user:        string
			ssh_private_key: string
			ssh_port?:       int & >0 & <65536
			mysql_user?:     string
			mysql_pass?:     string
			remote_database: string
			...
		}
		...
	}]
	...
}
`
