package engine

import (
	"context"
)

// Plugin is one instantiated detection plugin. Every handle owns an isolated
// sandbox; handles are never reused across invocation batches.
//
// The mutation operations follow an optional-result convention: a nil result
// with a nil error means the rule does not exist on the remote service.
type Plugin interface {
	// Metadata returns what the binary reported from load().
	Metadata() PluginMetadata

	// Settings returns the JSON schema of the service settings.
	Settings(ctx context.Context) ([]byte, error)

	// Schema returns the JSON schema of a detection.
	Schema(ctx context.Context) ([]byte, error)

	// Validate checks a detection, returning the plugin's error string as an error.
	Validate(ctx context.Context, detection []byte) error

	// Create deploys a rule.
	Create(ctx context.Context, config []byte, name string, params []byte) ([]byte, error)

	// Read fetches the live content of a rule.
	Read(ctx context.Context, config []byte, name string, params []byte) ([]byte, error)

	// Update replaces a deployed rule.
	Update(ctx context.Context, config []byte, name string, params []byte) ([]byte, error)

	// Delete removes a deployed rule.
	Delete(ctx context.Context, config []byte, name string, params []byte) ([]byte, error)

	// Ping checks connectivity with the service described by config.
	Ping(ctx context.Context, config []byte) (bool, error)

	// Close releases the sandbox.
	Close(ctx context.Context) error
}

// PluginLoader instantiates plugins by name.
type PluginLoader interface {
	// Load instantiates a fresh handle and cross-checks its metadata name.
	Load(ctx context.Context, name string) (Plugin, error)

	// Exists reports whether a binary is available for the plugin.
	Exists(name string) bool
}

// StateBackend persists the State and provides advisory locking.
type StateBackend interface {
	// Load returns whether a state existed and the state (fresh when it did not).
	Load(ctx context.Context) (bool, *State, error)

	// Save increments the serial, stamps the tool version and persists.
	Save(ctx context.Context, state *State) error

	// Lock acquires the lock. A nil token with a nil error means locking is
	// unavailable and the caller proceeds without mutual exclusion.
	Lock(ctx context.Context) (*LockToken, error)

	// Unlock releases a token returned by Lock. A nil token is a no-op.
	Unlock(ctx context.Context, token *LockToken) error
}

// Resolver turns a scope identifier into desired detections and services.
// An empty identifier selects everything; otherwise it names a service or an
// environment.
type Resolver interface {
	// Detections returns the desired detections per plugin for the scope.
	Detections(identifier string) (Detections, error)

	// ResolveServices returns the declared services in the scope.
	ResolveServices(identifier string) ([]ServiceTarget, error)

	// Workspace is the workspace directory name, used in messages.
	Workspace() string
}

// Prompter asks the operator for confirmation.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// RunRecorder persists a summary of each apply and destroy run.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *RunRecord) error
}

// DetectionValidator checks detections beyond the plugin's own validate().
// schema is the plugin's detection schema and may be empty.
type DetectionValidator interface {
	ValidateDetections(ctx context.Context, plugin string, schema []byte, detections map[string][]byte) ([]Violation, error)
}
