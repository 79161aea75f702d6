package diff

import (
	"fmt"
	"io"
	"sync"

	"github.com/openfroyo/detectops/pkg/engine"
)

// Printer renders plans and mutation outcomes. It is safe for concurrent use.
type Printer struct {
	cfg Config

	mu sync.Mutex
	w  io.Writer
}

var _ engine.Reporter = (*Printer)(nil)

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, cfg Config) *Printer {
	return &Printer{cfg: cfg, w: w}
}

// ReportDiff writes one line per changed rule. With verbose, updates are
// followed by a content diff against the tracked value in current.
func (p *Printer) ReportDiff(d *engine.Diff, current *engine.State, verbose bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.cfg
	for _, sd := range d.Services {
		svc := c.bold(sd.Service)
		for _, rc := range sd.ToCreate {
			if _, err := fmt.Fprintf(p.w, "[+] %s will be created on %s\n", c.add(rc.Path), svc); err != nil {
				return err
			}
		}
		for _, rc := range sd.ToUpdate {
			if _, err := fmt.Fprintf(p.w, "[~] %s will be updated on %s\n", c.modify(rc.Path), svc); err != nil {
				return err
			}
			if !verbose || current == nil {
				continue
			}
			tracked, ok := current.Rule(sd.Service, rc.Path)
			if !ok {
				continue
			}
			if err := c.JSON(p.w, rc.Content, tracked); err != nil {
				return err
			}
		}
		for _, rc := range sd.ToRemove {
			if _, err := fmt.Fprintf(p.w, "[-] %s will be removed from %s\n", c.remove(rc.Path), svc); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReportOutcome writes a confirmed mutation.
func (p *Printer) ReportOutcome(o engine.RuleOutcome) {
	if !o.Succeeded() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.cfg
	if o.Action.IsDestructive() {
		fmt.Fprintf(p.w, "%s removed from %s\n", c.remove(o.Path), c.bold(o.Service))
		return
	}
	switch o.Action {
	case engine.ActionCreate:
		fmt.Fprintf(p.w, "%s created on %s\n", c.add(o.Path), c.bold(o.Service))
	case engine.ActionUpdate:
		fmt.Fprintf(p.w, "%s updated on %s\n", c.modify(o.Path), c.bold(o.Service))
	}
}
