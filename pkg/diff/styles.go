package diff

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Styles colors the parts of a diff.
type Styles struct {
	Add    lipgloss.Style
	Modify lipgloss.Style
	Remove lipgloss.Style
	Bold   lipgloss.Style
	Dim    lipgloss.Style
}

// NewStyles returns the default palette, rendered for w. Colors are dropped
// when w is not a terminal.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Add:    r.NewStyle().Foreground(lipgloss.Color("2")),
		Modify: r.NewStyle().Foreground(lipgloss.Color("3")),
		Remove: r.NewStyle().Foreground(lipgloss.Color("1")),
		Bold:   r.NewStyle().Bold(true),
		Dim:    r.NewStyle().Faint(true),
	}
}

// Config controls diff rendering.
type Config struct {
	// TabSize is the global indentation.
	TabSize int

	// MultilineIndent is the extra indentation of multi-line blocks.
	MultilineIndent int

	// Styles colors the output. Ignored when Plain is set.
	Styles Styles

	// Plain disables styling altogether.
	Plain bool
}

// DefaultConfig returns the default configuration for output written to w.
func DefaultConfig(w io.Writer) Config {
	return Config{
		TabSize:         3,
		MultilineIndent: 3,
		Styles:          NewStyles(w),
	}
}

func (c Config) add(s string) string    { return c.paint(c.Styles.Add, s) }
func (c Config) modify(s string) string { return c.paint(c.Styles.Modify, s) }
func (c Config) remove(s string) string { return c.paint(c.Styles.Remove, s) }
func (c Config) bold(s string) string   { return c.paint(c.Styles.Bold, s) }
func (c Config) dim(s string) string    { return c.paint(c.Styles.Dim, s) }

// paint renders a single line. lipgloss pads multi-line input, so callers
// never pass newlines.
func (c Config) paint(st lipgloss.Style, s string) string {
	if c.Plain {
		return s
	}
	return st.Render(s)
}
