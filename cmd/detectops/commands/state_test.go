package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/state"
)

func newLocalBackend(t *testing.T) *state.Local {
	t.Helper()
	return state.NewLocal(state.LocalConfig{Path: filepath.Join(t.TempDir(), "state.json")}, state.Options{
		ToolVersion: "test",
		Logger:      zerolog.Nop(),
	})
}

func seed(t *testing.T, backend engine.StateBackend) *engine.State {
	t.Helper()
	st := engine.NewState()
	st.SetRule("splunk-prod", "rules/splunk/a.yaml", []byte(`{"query":"a"}`))
	if err := backend.Save(context.Background(), st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return st
}

func TestPushState(t *testing.T) {
	ctx := context.Background()

	t.Run("empty backend", func(t *testing.T) {
		backend := newLocalBackend(t)
		incoming := engine.NewState()
		incoming.Serial = 7
		if err := pushState(ctx, backend, incoming, false); err != nil {
			t.Fatalf("pushState() error = %v", err)
		}
		_, st, err := backend.Load(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Serial != 8 || st.Lineage != incoming.Lineage {
			t.Errorf("state = serial %d lineage %s", st.Serial, st.Lineage)
		}
	})

	t.Run("same lineage continues serial", func(t *testing.T) {
		backend := newLocalBackend(t)
		current := seed(t, backend)

		incoming := current.Clone()
		incoming.RemoveRule("splunk-prod", "rules/splunk/a.yaml")
		if err := pushState(ctx, backend, incoming, false); err != nil {
			t.Fatalf("pushState() error = %v", err)
		}
		_, st, _ := backend.Load(ctx)
		if st.Serial != current.Serial+1 {
			t.Errorf("Serial = %d, want %d", st.Serial, current.Serial+1)
		}
		if st.RuleCount() != 0 {
			t.Errorf("RuleCount() = %d, want 0", st.RuleCount())
		}
	})

	t.Run("lineage mismatch", func(t *testing.T) {
		backend := newLocalBackend(t)
		seed(t, backend)

		err := pushState(ctx, backend, engine.NewState(), false)
		if !engine.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if err := pushState(ctx, backend, engine.NewState(), true); err != nil {
			t.Fatalf("forced pushState() error = %v", err)
		}
	})

	t.Run("older serial", func(t *testing.T) {
		backend := newLocalBackend(t)
		current := seed(t, backend)

		incoming := current.Clone()
		incoming.Serial = 0
		if err := pushState(ctx, backend, incoming, false); !engine.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})
}

func TestWriteState(t *testing.T) {
	st := engine.NewState()
	st.SetRule("svc", "rules/p/a.yaml", []byte(`{"a":1}`))

	var buf bytes.Buffer
	if err := writeState(&buf, st); err != nil {
		t.Fatal(err)
	}
	var back engine.State
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if back.Lineage != st.Lineage {
		t.Errorf("Lineage = %s, want %s", back.Lineage, st.Lineage)
	}
}
