package scenario

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Expand replaces ${VAR} and $VAR in every value using lookup.
// ${VAR:-default} falls back to default when VAR is unset or empty.
// Unset variables without a default are reported together.
func Expand(data map[string]string, lookup func(string) (string, bool)) (map[string]string, error) {
	out := make(map[string]string, len(data))
	missing := map[string]bool{}
	for k, v := range data {
		out[k] = os.Expand(v, func(name string) string {
			key, def, hasDef := strings.Cut(name, ":-")
			if !isIdent(key) {
				// "$1.300.000" is an amount, not a positional parameter.
				return "$" + name
			}
			if val, ok := lookup(key); ok && (val != "" || !hasDef) {
				return val
			}
			if hasDef {
				return def
			}
			missing[key] = true
			return ""
		})
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("undefined environment variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
