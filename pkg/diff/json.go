package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// JSON writes a field-by-field diff of two JSON documents, framed by "---"
// lines. Paths are dotted; arrays are compared as a whole; multi-line strings
// are diffed line by line after trimming each line.
func (c Config) JSON(w io.Writer, desired, current []byte) error {
	var d, cur any
	if err := decode(desired, &d); err != nil {
		return fmt.Errorf("invalid desired document: %w", err)
	}
	if err := decode(current, &cur); err != nil {
		return fmt.Errorf("invalid current document: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	c.walk(&buf, "", d, cur)
	buf.WriteString("---\n")
	_, err := w.Write(buf.Bytes())
	return err
}

func decode(data []byte, v *any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		*v = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c Config) walk(buf *bytes.Buffer, path string, desired, current any) {
	pad := strings.Repeat(" ", c.TabSize)
	textPad := strings.Repeat(" ", c.MultilineIndent)

	if isEmpty(current) && desired != nil {
		fmt.Fprintf(buf, "%s%s: %s\n", pad, c.add(path), c.add(compact(desired)))
		return
	}

	switch d := desired.(type) {
	case map[string]any:
		cur, ok := current.(map[string]any)
		if !ok {
			break
		}
		for _, key := range unionKeys(d, cur) {
			sub := key
			if path != "" {
				sub = path + "." + key
			}
			dv, inD := d[key]
			cv, inC := cur[key]
			switch {
			case inD && inC:
				c.walk(buf, sub, dv, cv)
			case inD:
				fmt.Fprintf(buf, "%s%s: %s\n", pad, c.add(sub), c.add(compact(dv)))
			default:
				fmt.Fprintf(buf, "%s%s: %s\n", pad, c.remove(sub), c.remove(compact(cv)))
			}
		}
		return

	case []any:
		if _, ok := current.([]any); ok {
			if !equal(desired, current) {
				fmt.Fprintf(buf, "%s%s: %s => %s\n", pad, c.modify(path), c.remove(compact(current)), c.add(compact(desired)))
			}
			return
		}

	case string:
		if cs, ok := current.(string); ok {
			if strings.Contains(d, "\n") || strings.Contains(cs, "\n") {
				c.lines(buf, path, d, cs)
				return
			}
			if d != cs {
				fmt.Fprintf(buf, "%s%s: %s => %s\n", textPad, c.modify(path), c.remove(cs), c.add(d))
			}
			return
		}
	}

	if !equal(desired, current) {
		fmt.Fprintf(buf, "%s%s: %s => %s\n", textPad, c.modify(path), c.remove(compact(current)), c.add(compact(desired)))
	}
}

// lines diffs two multi-line strings. Nothing is written when they only
// differ in indentation or blank lines.
func (c Config) lines(buf *bytes.Buffer, path, desired, current string) {
	d := normalizeMultiline(desired)
	cur := normalizeMultiline(current)
	if equalLines(d, cur) {
		return
	}

	pad := strings.Repeat(" ", c.TabSize)
	prefix := strings.Repeat(" ", c.MultilineIndent) + pad
	fmt.Fprintf(buf, "%s%s: \n", pad, c.modify(path))

	m := difflib.NewMatcher(cur, d)
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'e':
			for _, l := range cur[op.I1:op.I2] {
				fmt.Fprintf(buf, "%s  %s\n", prefix, c.dim(l))
			}
		case 'd':
			for _, l := range cur[op.I1:op.I2] {
				fmt.Fprintf(buf, "%s%s\n", prefix, c.remove("- "+l))
			}
		case 'i':
			for _, l := range d[op.J1:op.J2] {
				fmt.Fprintf(buf, "%s%s\n", prefix, c.add("+ "+l))
			}
		case 'r':
			for _, l := range cur[op.I1:op.I2] {
				fmt.Fprintf(buf, "%s%s\n", prefix, c.remove("- "+l))
			}
			for _, l := range d[op.J1:op.J2] {
				fmt.Fprintf(buf, "%s%s\n", prefix, c.add("+ "+l))
			}
		}
	}
}

// normalizeMultiline trims every line and drops blank ones.
func normalizeMultiline(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compact(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func equal(a, b any) bool {
	return compact(a) == compact(b)
}
