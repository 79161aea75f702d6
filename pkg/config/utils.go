package config

import (
	"fmt"
	"strings"
)

// EnsureKebabCase returns name unchanged when it is kebab-case: lowercase
// ASCII letters and digits in groups joined by single hyphens.
func EnsureKebabCase(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("invalid format `%s`, must be kebab-case", name)
	}
	prevHyphen := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '-':
			if prevHyphen {
				return "", fmt.Errorf("invalid format `%s`, must be kebab-case", name)
			}
			prevHyphen = true
		case isLowerAlnum(c):
			prevHyphen = false
		default:
			return "", fmt.Errorf("invalid format `%s`, must be kebab-case", name)
		}
	}
	if prevHyphen {
		return "", fmt.Errorf("invalid format `%s`, must be kebab-case", name)
	}
	return name, nil
}

// ToKebabCase lowercases input, turns runs of spaces, underscores and
// hyphens into a single hyphen and drops every other character.
func ToKebabCase(input string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("invalid input, must not be empty")
	}

	var b strings.Builder
	b.Grow(len(input))
	pendingHyphen := false
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
			fallthrough
		case isLowerAlnum(c):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteByte(c)
		case c == ' ' || c == '_' || c == '-':
			pendingHyphen = true
		}
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("invalid input, must have at least one alphanumeric character")
	}
	return b.String(), nil
}

// EnvForbiddenChars reports whether s contains characters that would make
// an environment substitution ambiguous.
func EnvForbiddenChars(s string) bool {
	return strings.ContainsAny(s, "${}")
}

func isLowerAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
