package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/detectops/pkg/engine"
)

// Scaffold creates a new project in dir: the project file, the workspace,
// the plugins directory and the policies directory. An existing project file
// is only replaced when force is set.
func Scaffold(dir string, force bool) (*Project, error) {
	file := filepath.Join(dir, DefaultFile)
	if _, err := os.Stat(file); err == nil && !force {
		return nil, engine.ConfigurationError(fmt.Sprintf("%s already exists, use --force to overwrite", file), nil)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, engine.ConfigurationError(fmt.Sprintf("unable to stat %s", file), err)
	}

	p := Default()
	p.SetPath(file)

	for _, d := range []string{p.WorkspaceDir(), p.PluginConfig().Dir, p.PoliciesDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, engine.ConfigurationError(fmt.Sprintf("unable to create %s", d), err)
		}
	}
	if err := p.Save(); err != nil {
		return nil, engine.ConfigurationError("unable to write the project file", err)
	}
	return p, nil
}
