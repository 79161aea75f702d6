package plugins

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/plugins/sdk"
)

// checkMetadata validates what a plugin reported from load(): the name must
// match the file it was loaded from, and the version must satisfy the
// configured constraint when there is one.
func checkMetadata(name string, meta sdk.Metadata, constraint string) error {
	if meta.Name != name {
		return engine.PluginDispatchError(name, string(sdk.OpLoad),
			fmt.Errorf("plugin reports name %q, expected %q", meta.Name, name))
	}

	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return engine.ConfigurationError(fmt.Sprintf("invalid version constraint %q for plugin %s", constraint, name), err)
	}
	v, err := semver.NewVersion(meta.Version)
	if err != nil {
		return engine.PluginDispatchError(name, string(sdk.OpLoad),
			fmt.Errorf("plugin version %q is not semver: %w", meta.Version, err))
	}
	if !c.Check(v) {
		return engine.ConfigurationError(
			fmt.Sprintf("plugin %s version %s does not satisfy %s", name, meta.Version, constraint), nil).
			WithPlugin(name)
	}
	return nil
}
