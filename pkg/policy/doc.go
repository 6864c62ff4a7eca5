// Package policy evaluates Rego policies against site descriptors before
// they are provisioned.
//
// Each policy is a Rego module whose package defines a "deny" set. Entries
// are objects with a "message" and an optional "severity" that overrides
// the policy default:
//
//	package lampbox.policies.custom
//
//	deny contains violation if {
//	    input.site.host == "staging.test"
//	    violation := {"message": "staging host is reserved", "severity": "error"}
//	}
//
// The input document holds the evaluated descriptor as "site", every
// descriptor of the run as "sites" and the operation as "context".
//
// Built-in policies:
//
//   - unique-hosts: a host may be claimed by one site only
//   - dev-domain: hosts should sit under a development domain
//   - framework-database: Magento and WordPress sites should declare a database
//   - shared-keys: SSH keys must be relative paths inside the shared folder
//
// Violations with error or critical severity block a site. In advisory mode
// the caller only reports them; in enforcing mode blocked sites are skipped.
// Additional policies come from the paths in the policy section of
// lampbox.cue: .rego files with optional "# severity:" and "# tags:" header
// comments, or .json and .yaml policy documents (see ReadFile). A file
// policy with the name of a built-in one replaces it. Engine.Watch reloads
// them when they change.
package policy
