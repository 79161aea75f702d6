// Package config loads the detectops project file and resolves the detection
// workspace.
//
// A project is described by detectops.yaml:
//
//	core:
//	  base_dir: .detectops
//	  workspace: rules
//	state:
//	  type: local
//	services:
//	  splunk-prod:
//	    plugin: splunk
//	    environment: production
//	    settings:
//	      url: https://splunk.example.com:8089
//	      token: ${SPLUNK_TOKEN}
//
// Loading substitutes ${VAR} references from the environment, checks the
// document against a CUE schema, decodes it strictly and validates the
// result. Errors carry the offending path and, when CUE knows it, the line.
//
// Detections live in <workspace>/<plugin>/ as YAML or JSON files. Project
// implements engine.Resolver: an identifier selects a service, an
// environment, or (when empty) the whole workspace.
package config
