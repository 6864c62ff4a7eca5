// Package config loads the lampbox configuration.
//
// # Overview
//
// The configuration lives in a single CUE file, lampbox.cue, next to the
// Vagrantfile. Every field has a default in the built-in #Lampbox schema, so
// an empty or missing file yields the stock development machine:
//
//	sites_dir: "data_bags/sites"
//	mysql: {
//	    root_password:   "root"
//	    existence_check: "database"
//	}
//	hosts: dedupe: true
//	system: apc_memory: "64M"
//	policy: mode: "enforcing"
//	attributes: script: "attributes.star"
//
// The file is unified with the schema, decoded into Config and then checked
// with validator struct tags for constraints CUE does not express, such as
// an OTLP exporter requiring an endpoint.
//
// # Components
//
// CUEParser: parses a file, a directory of CUE files or inline content and
// reports errors with file and line.
//
// SchemaRegistry: holds the #Lampbox and #Site schemas. #Site is used to
// check raw sites data bag items before they are decoded.
//
// StarlarkEvaluator: runs the optional attributes script. The script sees the
// node's facts as "facts" and the site descriptors as "sites"; its public
// globals override system recipe attributes by name:
//
//	def _magento_sites():
//	    return [s for s in sites if s.get("framework") == "magento"]
//
//	apc_memory = "128M" if _magento_sites() else "32M"
//
// # Usage
//
//	parser := config.NewCUEParser()
//	cfg, err := parser.Load(ctx, "lampbox.cue")
//	if err != nil {
//	    return err
//	}
//	config.Resolve(cfg, "lampbox.cue")
//	opts := cfg.ProvisionerOptions()
package config
