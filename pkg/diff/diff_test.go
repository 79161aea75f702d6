package diff

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/detectops/pkg/engine"
)

func plainConfig() Config {
	return Config{TabSize: 3, MultilineIndent: 3, Plain: true}
}

func TestConfig_JSON(t *testing.T) {
	desired := `{"title":"a","tags":["x"],"query":"line1\n  line2\nline3","level":2,"new":true}`
	current := `{"title":"b","tags":["y"],"query":"line1\nline2\nold","level":2,"gone":1}`

	var buf bytes.Buffer
	if err := plainConfig().JSON(&buf, []byte(desired), []byte(current)); err != nil {
		t.Fatalf("JSON() error = %v", err)
	}

	want := "---\n" +
		"   gone: 1\n" +
		"   new: true\n" +
		"   query: \n" +
		"        line1\n" +
		"        line2\n" +
		"      - old\n" +
		"      + line3\n" +
		"   tags: [\"y\"] => [\"x\"]\n" +
		"   title: b => a\n" +
		"---\n"
	if buf.String() != want {
		t.Errorf("JSON() output mismatch\ngot:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestConfig_JSONNested(t *testing.T) {
	desired := `{"rule":{"severity":"high","owner":"<soc>"}}`
	current := `{"rule":{"severity":"low","owner":"<soc>"}}`

	var buf bytes.Buffer
	if err := plainConfig().JSON(&buf, []byte(desired), []byte(current)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "rule.severity: low => high") {
		t.Errorf("output = %q", buf.String())
	}
	if strings.Contains(buf.String(), "owner") {
		t.Errorf("unchanged field rendered: %q", buf.String())
	}
}

func TestConfig_JSONWhitespaceOnly(t *testing.T) {
	desired := `{"query":"a\n   b\n\n"}`
	current := `{"query":"  a\nb"}`

	var buf bytes.Buffer
	if err := plainConfig().JSON(&buf, []byte(desired), []byte(current)); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "---\n---\n" {
		t.Errorf("expected an empty diff, got %q", buf.String())
	}
}

func TestConfig_JSONEmptyCurrent(t *testing.T) {
	var buf bytes.Buffer
	if err := plainConfig().JSON(&buf, []byte(`{"a":{"b":1}}`), []byte(`{"a":{}}`)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `   a: {"b":1}`) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestConfig_JSONInvalid(t *testing.T) {
	var buf bytes.Buffer
	if err := plainConfig().JSON(&buf, []byte(`{`), []byte(`{}`)); err == nil {
		t.Error("expected an error for invalid JSON")
	}
}

func TestPrinter_ReportDiff(t *testing.T) {
	state := engine.NewState()
	state.SetRule("siem-prod", "sample/b.yaml", []byte(`{"q":"old"}`))
	state.SetRule("siem-prod", "sample/c.yaml", []byte(`{"q":"gone"}`))

	d := &engine.Diff{Services: []*engine.ServiceDiff{{
		Plugin:   "sample",
		Service:  "siem-prod",
		ToCreate: []engine.RuleChange{{Path: "sample/a.yaml", Content: []byte(`{"q":"new"}`)}},
		ToUpdate: []engine.RuleChange{{Path: "sample/b.yaml", Content: []byte(`{"q":"changed"}`)}},
		ToRemove: []engine.RuleChange{{Path: "sample/c.yaml"}},
	}}}

	t.Run("terse", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewPrinter(&buf, plainConfig()).ReportDiff(d, state, false); err != nil {
			t.Fatal(err)
		}
		want := "[+] sample/a.yaml will be created on siem-prod\n" +
			"[~] sample/b.yaml will be updated on siem-prod\n" +
			"[-] sample/c.yaml will be removed from siem-prod\n"
		if buf.String() != want {
			t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
		}
	})

	t.Run("verbose", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewPrinter(&buf, plainConfig()).ReportDiff(d, state, true); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "q: old => changed") {
			t.Errorf("verbose output = %q", buf.String())
		}
	})
}

func TestPrinter_ReportOutcome(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, plainConfig())

	outcomes := []engine.RuleOutcome{
		{Service: "siem", Path: "a.yaml", Action: engine.ActionCreate},
		{Service: "siem", Path: "b.yaml", Action: engine.ActionUpdate},
		{Service: "siem", Path: "c.yaml", Action: engine.ActionDelete},
		{Service: "siem", Path: "d.yaml", Action: engine.ActionCreate, Err: errors.New("boom")},
	}

	var wg sync.WaitGroup
	for _, o := range outcomes {
		wg.Add(1)
		go func(o engine.RuleOutcome) {
			defer wg.Done()
			p.ReportOutcome(o)
		}(o)
	}
	wg.Wait()

	out := buf.String()
	for _, want := range []string{"a.yaml created on siem\n", "b.yaml updated on siem\n", "c.yaml removed from siem\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "d.yaml") {
		t.Errorf("failed outcome was rendered: %q", out)
	}
}

func TestDefaultConfig_NonTerminal(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig(&buf)
	if cfg.TabSize != 3 || cfg.MultilineIndent != 3 {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
	NewPrinter(&buf, cfg).ReportOutcome(engine.RuleOutcome{Service: "s", Path: "p", Action: engine.ActionCreate})
	if strings.Contains(buf.String(), "\x1b[3") {
		t.Errorf("colors rendered for a non-terminal writer: %q", buf.String())
	}
}
