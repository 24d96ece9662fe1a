package types

import "strings"

// Event represents a typed event emitted during state transitions. Fields
// are declared in canonical key order.
type Event struct {
	Attributes map[string]string `json:"attributes"`
	Type       string            `json:"type"`
}

// EventStateChange carries the write set of one successful transaction as a
// single block-level event.
const EventStateChange = "state_change"

// AttrTxHash names the attribute holding the originating transaction hash.
const AttrTxHash = "tx_hash"

var stateKeyEscaper = strings.NewReplacer("%", "%25", ".", "%2E", ":", "%3A")

var stateKeyUnescaper = strings.NewReplacer("%2E", ".", "%3A", ":", "%25", "%")

// EscapeStateKey makes a state key safe for use as an event attribute key.
// The state namespace reserves "." and ":" as separators; both are percent
// encoded (and "%" itself first, so the mapping stays reversible).
func EscapeStateKey(key string) string {
	return stateKeyEscaper.Replace(key)
}

// UnescapeStateKey reverses EscapeStateKey.
func UnescapeStateKey(key string) string {
	return stateKeyUnescaper.Replace(key)
}
