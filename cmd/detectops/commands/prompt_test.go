package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/detectops/pkg/engine"
)

func TestTerminalPrompter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "yes", input: "yes\n", want: true},
		{name: "short yes", input: "Y\n", want: true},
		{name: "no", input: "n\n", want: false},
		{name: "empty", input: "\n", want: false},
		{name: "eof", input: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := &terminalPrompter{
				in:         strings.NewReader(tt.input),
				out:        &out,
				isTerminal: func() bool { return true },
			}

			got, err := p.Confirm(context.Background(), "Apply changes?")
			if err != nil {
				t.Fatalf("Confirm() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Confirm() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(out.String(), "Apply changes? [y/N]") {
				t.Errorf("prompt = %q", out.String())
			}
		})
	}

	t.Run("not a terminal", func(t *testing.T) {
		p := &terminalPrompter{
			in:         strings.NewReader("yes\n"),
			out:        &bytes.Buffer{},
			isTerminal: func() bool { return false },
		}
		_, err := p.Confirm(context.Background(), "Apply changes?")
		if !engine.HasCode(err, engine.ErrCodeConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})
}
