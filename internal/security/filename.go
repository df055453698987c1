// Package security holds helpers for embedding untrusted identifiers in
// names the daemon hands to clients.
package security

import "strings"

// maxFilenameLen bounds SanitizeFilename's result.
const maxFilenameLen = 128

// SanitizeFilename maps s to a name made of ASCII letters, digits, dot,
// underscore and dash. Runs of other characters become one underscore and
// leading or trailing dots and underscores are dropped. An empty result is
// "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
