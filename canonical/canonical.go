// Package canonical produces the deterministic JSON encoding every node must
// agree on byte for byte. Map keys are emitted in sorted order, numbers keep
// the exact representation they arrived with, and HTML escaping is disabled
// so the bytes match the wire form clients sign.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes v as compact canonical JSON.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	// Encode appends a newline; the canonical form has none.
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

// Decode parses JSON keeping numbers as json.Number so re-encoding
// reproduces the original digits.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing garbage after the value is not canonical.
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

// DecodeMap is Decode restricted to a JSON object.
func DecodeMap(data []byte) (map[string]any, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	return m, nil
}

// Recanonicalize decodes raw JSON and re-encodes it canonically. Two inputs
// that differ only in key order or whitespace map to identical bytes.
func Recanonicalize(data []byte) ([]byte, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}
