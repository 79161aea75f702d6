package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	return NewLocal(LocalConfig{Path: "nested/state.json"}, Options{
		ToolVersion: "1.2.3",
		BaseDir:     t.TempDir(),
		Logger:      zerolog.Nop(),
	})
}

func TestLocal_LoadMissing(t *testing.T) {
	l := newTestLocal(t)

	exists, st, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if exists {
		t.Error("exists = true for a missing file")
	}
	if st == nil || st.Lineage == "" || st.Serial != 0 {
		t.Errorf("Load() state = %+v", st)
	}
}

func TestLocal_SaveLoad(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	st := engine.NewState()
	st.SetRule("siem-prod", "rules/a.yaml", []byte(`{"query":"x"}`))

	if err := l.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := l.Save(ctx, st); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	exists, loaded, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !exists {
		t.Fatal("exists = false after save")
	}
	if loaded.Serial != 2 {
		t.Errorf("Serial = %d, want 2", loaded.Serial)
	}
	if loaded.ToolVersion != "1.2.3" {
		t.Errorf("ToolVersion = %q", loaded.ToolVersion)
	}
	if loaded.Lineage != st.Lineage {
		t.Errorf("Lineage = %q, want %q", loaded.Lineage, st.Lineage)
	}
	rule, ok := loaded.Rule("siem-prod", "rules/a.yaml")
	if !ok || string(rule) != `{"query":"x"}` {
		t.Errorf("Rule() = %s, %v", rule, ok)
	}

	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("state file is not JSON: %v", err)
	}
}

func TestLocal_LoadCorrupt(t *testing.T) {
	l := newTestLocal(t)
	if err := os.MkdirAll(filepath.Dir(l.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.Path(), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := l.Load(context.Background())
	if !engine.HasCode(err, engine.ErrCodeStateIO) {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLocal_LoadTornWrite(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	st := engine.NewState()
	st.SetRule("siem-prod", "rules/a.yaml", []byte(`{"query":"x"}`))
	if err := l.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Crash between truncation and write.
	if err := os.Truncate(l.Path(), 0); err != nil {
		t.Fatal(err)
	}

	exists, loaded, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !exists {
		t.Fatal("exists = false with a backup on disk")
	}
	if loaded.Serial != 1 || loaded.Lineage != st.Lineage {
		t.Errorf("Load() = serial %d lineage %q, want 1 %q", loaded.Serial, loaded.Lineage, st.Lineage)
	}
	if _, ok := loaded.Rule("siem-prod", "rules/a.yaml"); !ok {
		t.Error("rule missing from recovered state")
	}

	t.Run("corrupt backup", func(t *testing.T) {
		if err := os.WriteFile(l.BackupPath(), []byte("{"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := l.Load(ctx); !engine.HasCode(err, engine.ErrCodeStateIO) {
			t.Errorf("Load() error = %v, want state IO error", err)
		}
	})
}

func TestLocal_LockMissingFile(t *testing.T) {
	l := newTestLocal(t)

	token, err := l.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if token != nil {
		t.Errorf("Lock() token = %+v, want nil", token)
	}
	if err := l.Unlock(context.Background(), token); err != nil {
		t.Errorf("Unlock(nil) error = %v", err)
	}
}

func TestLocal_LockExclusive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is not available")
	}

	l := newTestLocal(t)
	ctx := context.Background()
	if err := l.Save(ctx, engine.NewState()); err != nil {
		t.Fatal(err)
	}

	token, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if token == nil {
		t.Fatal("Lock() returned a nil token for an existing file")
	}

	// A second handle on the same file is refused while the first holds it.
	_, err = l.Lock(ctx)
	if !engine.IsLocked(err) {
		t.Errorf("second Lock() error = %v, want a lock error", err)
	}

	// Saving under the lock keeps the lock valid.
	if err := l.Save(ctx, engine.NewState()); err != nil {
		t.Fatalf("Save() under lock error = %v", err)
	}

	if err := l.Unlock(ctx, token); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	again, err := l.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() after Unlock error = %v", err)
	}
	if err := l.Unlock(ctx, again); err != nil {
		t.Errorf("Unlock() error = %v", err)
	}
}
