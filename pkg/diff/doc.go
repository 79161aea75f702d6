// Package diff renders plans for the terminal: one [+]/[~]/[-] line per rule
// and, in verbose mode, a field-by-field diff of the JSON content.
package diff
