package api

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// headerValue renders a stored title safe for an HTTP header: NFC-normalised
// so combining sequences survive the trip through the front-end, control
// characters stripped so the value cannot split the header block.
func headerValue(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
