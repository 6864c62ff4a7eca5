package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		uniqueHostsPolicy(),
		devDomainPolicy(),
		frameworkDatabasePolicy(),
		sharedKeysPolicy(),
	}
}

// uniqueHostsPolicy rejects two sites claiming the same host name.
func uniqueHostsPolicy() Policy {
	return Policy{
		Name:        "unique-hosts",
		Description: "Host names and aliases must not be claimed by more than one site",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"hosts", "apache"},
		Rego: `package lampbox.policies.hosts

deny contains violation if {
	some other in input.sites
	other.id != input.site.id
	other.host == input.site.host
	violation := {
		"message": sprintf("host %s is also claimed by site %s", [input.site.host, other.id]),
		"severity": "error",
	}
}

deny contains violation if {
	some alias in object.get(input.site, "aliases", [])
	some other in input.sites
	other.id != input.site.id
	alias == other.host
	violation := {
		"message": sprintf("alias %s is the host of site %s", [alias, other.id]),
		"severity": "warning",
	}
}

deny contains violation if {
	some alias in object.get(input.site, "aliases", [])
	alias == input.site.host
	violation := {
		"message": sprintf("alias %s repeats the site's own host", [alias]),
		"severity": "info",
	}
}
`,
	}
}

// devDomainPolicy warns about hosts that shadow real domains through
// the hosts file.
func devDomainPolicy() Policy {
	return Policy{
		Name:        "dev-domain",
		Description: "Site hosts should live under a development domain",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"hosts"},
		Rego: `package lampbox.policies.domain

dev_suffixes := {".test", ".local", ".localhost", ".dev", ".vm", ".vagrant", ".box"}

dev_host(host) if {
	some suffix in dev_suffixes
	endswith(host, suffix)
}

dev_host(host) if host == "localhost"

deny contains violation if {
	host := input.site.host
	not dev_host(host)
	violation := {
		"message": sprintf("host %s is not under a development domain; its hosts entry shadows the real site", [host]),
		"severity": "warning",
	}
}
`,
	}
}

// frameworkDatabasePolicy warns when a framework that stores its base URL
// in the database has no database to update.
func frameworkDatabasePolicy() Policy {
	return Policy{
		Name:        "framework-database",
		Description: "Magento and WordPress sites should declare a database",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"mysql", "framework"},
		Rego: `package lampbox.policies.framework

url_in_database := {"magento", "wordpress"}

deny contains violation if {
	framework := input.site.framework
	framework in url_in_database
	count(object.get(input.site, "database", [])) == 0
	violation := {
		"message": sprintf("%s site has no database; its base URL will not be rewritten", [framework]),
		"severity": "warning",
	}
}

deny contains violation if {
	some db in object.get(input.site, "database", [])
	not db.db_import_file
	not db.db_copy
	input.site.framework in url_in_database
	violation := {
		"message": sprintf("database %s has neither an import file nor a copy source; it will be created empty", [db.db_name]),
		"severity": "info",
	}
}
`,
	}
}

// sharedKeysPolicy requires SSH keys to stay inside the shared folder.
func sharedKeysPolicy() Policy {
	return Policy{
		Name:        "shared-keys",
		Description: "SSH private keys must be relative paths inside the shared folder",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"ssh", "security"},
		Rego: `package lampbox.policies.keys

keys contains ["rsync", r.ssh_private_key] if {
	some r in object.get(input.site, "rsync", [])
}

keys contains ["db_copy", db.db_copy.ssh_private_key] if {
	some db in object.get(input.site, "database", [])
	db.db_copy
}

deny contains violation if {
	some k in keys
	startswith(k[1], "/")
	violation := {
		"message": sprintf("%s key %s must be relative to the shared folder", [k[0], k[1]]),
		"severity": "error",
	}
}

deny contains violation if {
	some k in keys
	some part in split(k[1], "/")
	part == ".."
	violation := {
		"message": sprintf("%s key %s escapes the shared folder", [k[0], k[1]]),
		"severity": "error",
	}
}
`,
	}
}
