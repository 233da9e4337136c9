package ilp

import "regexp"

// MaxAddressLength is the longest ILP address allowed.
const MaxAddressLength = 1023

var addressPattern = regexp.MustCompile(`^(g|private|example|peer|self|test[1-3]?|local)([.][A-Za-z0-9_~-]+)+$`)

// ValidAddress reports whether a is a well formed ILP address with a known
// allocation scheme.
func ValidAddress(a string) bool {
	return len(a) <= MaxAddressLength && addressPattern.MatchString(a)
}
