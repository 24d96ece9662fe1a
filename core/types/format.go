package types

import (
	"encoding/hex"
	"regexp"
)

var (
	identifierRE   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	contractNameRE = regexp.MustCompile(`^con_[a-zA-Z][a-zA-Z0-9_]*$`)
)

// IsIdentifier reports whether s is a contract, function or kwarg name.
func IsIdentifier(s string) bool {
	return identifierRE.MatchString(s)
}

// IsContractName reports whether s is a valid name for a submitted contract.
// Length is capped at 255 on top of the con_ prefix rule.
func IsContractName(s string) bool {
	return len(s) <= 255 && contractNameRE.MatchString(s)
}

// IsHexOfLength reports whether s is a hex string of exactly n characters.
// Both cases are accepted.
func IsHexOfLength(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
