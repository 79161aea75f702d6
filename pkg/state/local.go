package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
)

// LocalConfig configures the file backend.
type LocalConfig struct {
	// Path of the state file. Default is .detectops/state.json.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Local keeps the state in a JSON file guarded by an advisory file lock.
type Local struct {
	path        string
	toolVersion string
	logger      zerolog.Logger
}

var _ engine.StateBackend = (*Local)(nil)

// NewLocal creates a file backend.
func NewLocal(cfg LocalConfig, opts Options) *Local {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !filepath.IsAbs(path) && opts.BaseDir != "" {
		path = filepath.Join(opts.BaseDir, path)
	}
	return &Local{
		path:        path,
		toolVersion: opts.ToolVersion,
		logger:      opts.Logger.With().Str("component", "state").Str("backend", TypeLocal).Logger(),
	}
}

// Path returns the state file location.
func (l *Local) Path() string { return l.path }

// BackupPath returns where Save stages the new state before rewriting the
// state file.
func (l *Local) BackupPath() string { return l.path + ".bak" }

// Load reads the state file. A missing file yields a fresh state.
func (l *Local) Load(ctx context.Context) (bool, *engine.State, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, engine.NewState(), nil
		}
		return false, nil, engine.StateIOError(fmt.Sprintf("unable to read state file: %s", l.path), err)
	}

	var st engine.State
	if err := json.Unmarshal(data, &st); err != nil {
		recovered, ok := l.loadBackup()
		if !ok {
			return false, nil, engine.StateIOError(fmt.Sprintf("unable to parse state file: %s", l.path), err)
		}
		l.logger.Warn().Err(err).Str("backup", l.BackupPath()).
			Uint64("serial", recovered.Serial).
			Msg("State file is unreadable, using the backup of the last save")
		return true, recovered, nil
	}
	st.Normalize()
	return true, &st, nil
}

// loadBackup reads the copy staged by the last Save. A torn rewrite leaves
// the state file truncated while the backup is complete.
func (l *Local) loadBackup() (*engine.State, bool) {
	data, err := os.ReadFile(l.BackupPath())
	if err != nil {
		return nil, false
	}
	var st engine.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	st.Normalize()
	return &st, true
}

// Save stamps the state, stages it in the backup file and then rewrites the
// state file in place, so a lock held on the file stays valid.
func (l *Local) Save(ctx context.Context, st *engine.State) error {
	st.Stamp(l.toolVersion)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return engine.SerializationError(fmt.Sprintf("unable to serialize state for file: %s", l.path), err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return engine.StateIOError(fmt.Sprintf("unable to create directories for %s", filepath.Dir(l.path)), err)
	}

	if err := syncWrite(l.BackupPath(), data); err != nil {
		return engine.StateIOError(fmt.Sprintf("unable to write state backup: %s", l.BackupPath()), err)
	}
	if err := syncWrite(l.path, data); err != nil {
		return engine.StateIOError(fmt.Sprintf("unable to write state file: %s", l.path), err)
	}

	l.logger.Debug().Uint64("serial", st.Serial).Msg("State saved")
	return nil
}

// Lock takes an exclusive lock on the state file. There is nothing to lock
// while the file does not exist yet, so that yields a nil token.
func (l *Local) Lock(ctx context.Context) (*engine.LockToken, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, engine.StateIOError(fmt.Sprintf("unable to open state file %s", l.path), err)
	}

	ok, err := lockFile(f)
	switch {
	case err != nil:
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, engine.LockError(fmt.Sprintf("state file `%s` is locked", l.path), err)
		}
		return nil, engine.LockError(fmt.Sprintf("unable to acquire lock on state file `%s`", l.path), err)
	case !ok:
		f.Close()
		l.logger.Warn().Msgf("filesystem does not support file locking on `%s`; proceeding without lock", l.path)
		return nil, nil
	}

	return engine.NewLockToken(l.path, f), nil
}

// Unlock releases the file lock held by token.
func (l *Local) Unlock(ctx context.Context, token *engine.LockToken) error {
	f, ok := token.Handle().(*os.File)
	if !ok || f == nil {
		return nil
	}
	err := unlockFile(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrClosed) {
		return engine.StateIOError(fmt.Sprintf("unable to unlock state file %s", l.path), err)
	}
	return nil
}

func syncWrite(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
