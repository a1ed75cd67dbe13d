package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeDisplay returns s in Unicode NFC form with surrounding
// whitespace removed. Provider display names arrive in whatever form the
// client typed them.
func NormalizeDisplay(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
