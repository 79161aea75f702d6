package policy

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not fail validation.
	SeverityWarning Severity = "warning"

	// SeverityError fails validation.
	SeverityError Severity = "error"
)

// Blocking reports whether a violation of this severity fails validation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == ""
}

// Policy is one Rego module evaluated against every detection of a plugin.
type Policy struct {
	// Name identifies the policy in violations.
	Name string `json:"name"`

	// Description is taken from the leading comment of a .rego file.
	Description string `json:"description,omitempty"`

	// Rego is the module source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity,omitempty"`

	// Enabled policies are evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was read from, empty for built-ins.
	Source string `json:"-"`
}

// Input is the document a policy sees as input.
type Input struct {
	Plugin    string `json:"plugin"`
	Path      string `json:"path"`
	Detection any    `json:"detection"`
}
