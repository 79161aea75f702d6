// Package policy validates detections beyond what their plugin checks.
//
// Two validators implement engine.DetectionValidator:
//
//   - Engine evaluates Rego policies with Open Policy Agent. Policies for a
//     plugin live in policies/<plugin>/ as .rego modules or .json definitions
//     carrying their Rego inline. Every module must define a deny set whose
//     entries are either messages or objects with message and severity. A few
//     built-in policies apply to every plugin.
//   - SchemaValidator checks each detection against the JSON schema the plugin
//     reports from schema().
//
// Each policy sees an input of the form:
//
//	{"plugin": "splunk", "path": "rules/splunk/brute-force.yaml", "detection": {...}}
//
// A minimal policy:
//
//	package detectops.splunk
//
//	import rego.v1
//
//	deny contains msg if {
//		not input.detection.query
//		msg := sprintf("%s has no query", [input.path])
//	}
//
// Loader.Watch re-runs validation when policy or detection files change.
package policy
