package config

import (
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([^${}]+)\}`)

// SubstituteEnv replaces ${NAME} with the value of the environment variable
// NAME. Unset variables, and variables whose value contains $, { or }, are
// left as written.
func SubstituteEnv(content []byte) []byte {
	return substitute(content, os.LookupEnv)
}

func substitute(content []byte, lookup func(string) (string, bool)) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		value, ok := lookup(name)
		if !ok || EnvForbiddenChars(value) {
			return match
		}
		return []byte(value)
	})
}
