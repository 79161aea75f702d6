package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/detectops/pkg/engine"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", DefaultFile))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRun(id string, started time.Time) *engine.RunRecord {
	return &engine.RunRecord{
		ID:          id,
		Command:     "apply",
		Scope:       "prod",
		Status:      engine.RunStatusPartial,
		Serial:      7,
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		Outcomes: []engine.RuleOutcome{
			{Plugin: "splunk", Service: "splunk-prod", Path: "rules/splunk/a.yaml", Action: engine.ActionCreate},
			{Plugin: "splunk", Service: "splunk-prod", Path: "rules/splunk/b.yaml", Action: engine.ActionUpdate,
				Err: errors.New("HTTP 500")},
			{Plugin: "splunk", Service: "splunk-prod", Path: "rules/splunk/c.yaml", Action: engine.ActionDelete},
		},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), DefaultFile)})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("Migrate should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("empty path should be rejected")
	}
}

func TestRecordAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.RecordRun(ctx, sampleRun("run-1", started)); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}

	if run.Command != "apply" || run.Scope != "prod" || run.Status != engine.RunStatusPartial || run.Serial != 7 {
		t.Errorf("run = %+v", run)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, started)
	}
	if run.Duration() != 3*time.Second {
		t.Errorf("Duration() = %v", run.Duration())
	}
	if run.Succeeded != 2 || run.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 2/1", run.Succeeded, run.Failed)
	}

	if len(run.Operations) != 3 {
		t.Fatalf("operations = %d, want 3", len(run.Operations))
	}
	failed := run.Operations[1]
	if failed.Path != "rules/splunk/b.yaml" || failed.Action != engine.ActionUpdate || failed.Error != "HTTP 500" || failed.Succeeded() {
		t.Errorf("failed operation = %+v", failed)
	}
	if !run.Operations[0].Succeeded() || run.Operations[2].Action != engine.ActionDelete {
		t.Errorf("operations = %+v %+v", run.Operations[0], run.Operations[2])
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordRunDuplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := sampleRun("run-1", time.Now())

	if err := store.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	if err := store.RecordRun(ctx, run); err == nil {
		t.Fatal("duplicate run ID should fail")
	}

	ops, err := store.ListOperations(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 3 {
		t.Errorf("failed transaction leaked operations: %d rows", len(ops))
	}
}

func TestListRunsAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"first", "second", "third"} {
		run := sampleRun(id, base.Add(time.Duration(i)*time.Hour))
		if err := store.RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun(%s) error = %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "third" || runs[1].ID != "second" {
		t.Fatalf("ListRuns(2, 0) = %v", ids(runs))
	}
	if runs[0].Operations != nil {
		t.Error("ListRuns should not load operations")
	}

	runs, _ = store.ListRuns(ctx, 10, 2)
	if len(runs) != 1 || runs[0].ID != "first" {
		t.Fatalf("ListRuns(10, 2) = %v", ids(runs))
	}

	removed, err := store.Prune(ctx, 1)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Prune() removed %d, want 2", removed)
	}

	runs, _ = store.ListRuns(ctx, 0, 0)
	if len(runs) != 1 || runs[0].ID != "third" {
		t.Errorf("after prune = %v", ids(runs))
	}
	ops, _ := store.ListOperations(ctx, "first")
	if len(ops) != 0 {
		t.Errorf("operations of pruned run not cascaded: %d", len(ops))
	}
}

func TestRuleHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"r1", "r2"} {
		if err := store.RecordRun(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.RuleHistory(ctx, "splunk-prod", "rules/splunk/b.yaml", 0)
	if err != nil {
		t.Fatalf("RuleHistory() error = %v", err)
	}
	if len(history) != 2 || history[0].RunID != "r2" || history[1].RunID != "r1" {
		t.Errorf("RuleHistory() = %+v", history)
	}

	history, _ = store.RuleHistory(ctx, "other", "rules/splunk/b.yaml", 5)
	if len(history) != 0 {
		t.Errorf("RuleHistory(other) = %d rows", len(history))
	}
}

func ids(runs []*Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
