package auth

import (
	"strings"
	"unicode"
)

// CleanName turns a directory uid into a page name by dropping the
// characters . : , @ ^ / \ and all whitespace.
func CleanName(uid string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ':', ',', '@', '^', '/', '\\':
			return -1
		}
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, uid)
}
