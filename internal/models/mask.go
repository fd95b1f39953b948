package models

import "strings"

// MaskSecret hides all but the first four characters of s. Values of four
// characters or fewer are masked entirely.
func MaskSecret(s string) string {
	const visible = 4
	r := []rune(s)
	if len(r) <= visible {
		return strings.Repeat("*", len(r))
	}
	return string(r[:visible]) + strings.Repeat("*", len(r)-visible)
}
