package config

import (
	"os"
	"strings"
)

// ExpandEnv substitutes environment variables in YAML content using shell
// syntax: ${VAR} and ${VAR:-default}. Bare $VAR works too but the braced
// form is preferred in config files.
//
// Examples:
//   - ${OPENAI_API_KEY}        → value of OPENAI_API_KEY
//   - ${DB_HOST:-localhost}    → value of DB_HOST, or "localhost" when unset
//
// A variable that is unset (or empty) and has no default expands to the
// empty string. Validation should catch required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":-")
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		return ""
	}))
}
