package policy

// BuiltinPolicies returns the policies evaluated for every plugin.
func BuiltinPolicies() []Policy {
	return []Policy{
		detectionShapePolicy(),
		unresolvedVariablesPolicy(),
	}
}

func detectionShapePolicy() Policy {
	return Policy{
		Name:        "detection-shape",
		Description: "Detections must be non-empty mappings",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package detectops.builtin.shape

import rego.v1

deny contains msg if {
	not is_object(input.detection)
	msg := sprintf("%s must be a mapping", [input.path])
}

deny contains msg if {
	is_object(input.detection)
	count(input.detection) == 0
	msg := sprintf("%s is empty", [input.path])
}
`,
	}
}

// unresolvedVariablesPolicy flags ${VAR} references that survived
// substitution, usually a variable missing from the environment.
func unresolvedVariablesPolicy() Policy {
	return Policy{
		Name:        "unresolved-variables",
		Description: "Detections should not contain unresolved ${...} references",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package detectops.builtin.variables

import rego.v1

deny contains violation if {
	walk(input.detection, [_, value])
	is_string(value)
	contains(value, "${")
	violation := {
		"message": sprintf("%s contains an unresolved variable reference", [input.path]),
		"severity": "warning",
	}
}
`,
	}
}
