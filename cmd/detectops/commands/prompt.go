package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/openfroyo/detectops/pkg/engine"
)

// terminalPrompter asks for confirmation on an interactive terminal.
type terminalPrompter struct {
	in  io.Reader
	out io.Writer

	// isTerminal reports whether in is attached to a TTY.
	isTerminal func() bool
}

func newTerminalPrompter(in *os.File, out io.Writer) *terminalPrompter {
	return &terminalPrompter{
		in:         in,
		out:        out,
		isTerminal: func() bool { return term.IsTerminal(int(in.Fd())) },
	}
}

// Confirm implements engine.Prompter. Only "y" and "yes" approve.
func (p *terminalPrompter) Confirm(ctx context.Context, question string) (bool, error) {
	if !p.isTerminal() {
		return false, engine.ConfigurationError("confirmation required but stdin is not a terminal, use --auto-approve", nil)
	}

	if _, err := fmt.Fprintf(p.out, "%s [y/N] ", question); err != nil {
		return false, err
	}

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.in).ReadString('\n')
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
