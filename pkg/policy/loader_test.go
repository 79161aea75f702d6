package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoaderLoadDir(t *testing.T) {
	root := t.TempDir()
	writePolicy(t, root, "splunk", "require_query.rego", requireQuery)
	writePolicy(t, root, "splunk", "nested/naming.json", `{"rego":"package n\n","severity":"info"}`)
	writePolicy(t, root, "splunk", "notes.md", "ignored")

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadDir(filepath.Join(root, "splunk"))
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("LoadDir() = %d policies, want 2", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	rq, ok := byName["require_query"]
	if !ok {
		t.Fatal("require_query not loaded")
	}
	if rq.Description != "Detections must define a query" || rq.Severity != SeverityError || !rq.Enabled {
		t.Errorf("require_query = %+v", rq)
	}
	if n := byName["naming"]; n.Severity != SeverityInfo || !n.Enabled {
		t.Errorf("naming = %+v", n)
	}
}

func TestLoaderErrors(t *testing.T) {
	l := NewLoader(zerolog.Nop())

	policies, err := l.LoadDir(filepath.Join(t.TempDir(), "missing"))
	if err != nil || policies != nil {
		t.Errorf("missing dir: %v, %v", policies, err)
	}

	root := t.TempDir()
	writePolicy(t, root, "p", "bad.json", `{not json`)
	if _, err := l.LoadDir(filepath.Join(root, "p")); err == nil {
		t.Error("malformed JSON definition should fail")
	}

	writePolicy(t, root, "q", "empty.json", `{"name":"empty"}`)
	if _, err := l.LoadDir(filepath.Join(root, "q")); err == nil {
		t.Error("definition without rego should fail")
	}

	if _, err := l.LoadFile(filepath.Join(root, "p", "bad.txt")); err == nil {
		t.Error("unsupported extension should fail")
	}
}

func TestLoaderCache(t *testing.T) {
	root := t.TempDir()
	writePolicy(t, root, "splunk", "a.rego", "# first\npackage a\n")
	path := filepath.Join(root, "splunk", "a.rego")

	l := NewLoader(zerolog.Nop())
	first, err := l.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("# second\npackage a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cached, _ := l.LoadFile(path)
	if cached != first {
		t.Error("second load should come from cache")
	}

	l.Forget(path)
	fresh, _ := l.LoadFile(path)
	if fresh.Description != "second" {
		t.Errorf("after Forget description = %q", fresh.Description)
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"# one\n# two\npackage x\n", "one two"},
		{"\n\n# spaced\n\npackage x\n# later\n", "spaced"},
		{"package x\n", ""},
		{"#\n# after blank marker\npackage x", "after blank marker"},
	}
	for _, tt := range tests {
		if got := leadingComment(tt.src); got != tt.want {
			t.Errorf("leadingComment(%q) = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestLoaderWatch(t *testing.T) {
	root := t.TempDir()
	l := NewLoader(zerolog.Nop())
	l.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 10)
	if err := l.Watch(ctx, []string{root}, func(context.Context) error {
		changed <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "a.rego"), []byte("package a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
}
