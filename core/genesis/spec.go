// Package genesis loads, validates, applies and builds the application
// genesis document: the only state writes that happen outside a block.
package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"xianchain/core/types"
)

// Document is the application genesis: the initial state writes, reward
// seeds and nonce seeds applied exactly once when the chain initializes.
// Hash seeds the latest-block pointer and with it the fingerprint chain.
type Document struct {
	Hash         string      `json:"hash"`
	HLCTimestamp int64       `json:"hlc_timestamp"`
	Genesis      []Entry     `json:"genesis"`
	Rewards      []Entry     `json:"rewards,omitempty"`
	Nonces       []NonceSeed `json:"nonces,omitempty"`
	Origin       *Origin     `json:"origin,omitempty"`
}

// Origin records who built the document: the builder's address and an
// ed25519 signature over the digest of the state entries. Optional; nodes
// apply unsigned documents the same way.
type Origin struct {
	Sender    string `json:"sender"`
	Signature string `json:"signature"`
}

// Entry is one genesis state write.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// NonceSeed pre-sets a sender's committed nonce.
type NonceSeed struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// genesisFile is the on-disk wrapper around the application section.
type genesisFile struct {
	ABCIGenesis json.RawMessage `json:"abci_genesis"`
}

// LoadFile reads a genesis document from disk. The file may wrap the
// document under an "abci_genesis" object or carry it bare.
func LoadFile(path string) (*Document, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis %q: %w", path, err)
	}
	doc, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid genesis %q: %w", path, err)
	}
	return doc, nil
}

// Decode parses and validates a genesis document from raw JSON.
func Decode(raw []byte) (*Document, error) {
	var wrapped genesisFile
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.ABCIGenesis) > 0 {
		raw = wrapped.ABCIGenesis
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode genesis document: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// validate checks the document before anything is written. Genesis is the
// one write the chain can never retract, so a malformed document stops the
// node before the pointer is touched.
func (d *Document) validate() error {
	if !types.IsHexOfLength(d.Hash, 64) {
		return fmt.Errorf("hash must be 64 hex characters, got %q", d.Hash)
	}
	if d.HLCTimestamp < 0 {
		return fmt.Errorf("hlc_timestamp must not be negative, got %d", d.HLCTimestamp)
	}
	if len(d.Genesis) == 0 {
		return fmt.Errorf("document has no state entries")
	}
	for i, entry := range d.Genesis {
		if entry.Key == "" {
			return fmt.Errorf("genesis[%d]: empty key", i)
		}
	}
	for i, entry := range d.Rewards {
		if entry.Key == "" {
			return fmt.Errorf("rewards[%d]: empty key", i)
		}
	}
	for i, seed := range d.Nonces {
		if !types.IsHexOfLength(seed.Key, 64) {
			return fmt.Errorf("nonces[%d]: malformed sender %q", i, seed.Key)
		}
		if seed.Value < 0 {
			return fmt.Errorf("nonces[%d]: negative value for %s", i, seed.Key)
		}
	}
	if d.Origin != nil {
		if !types.IsHexOfLength(d.Origin.Sender, 64) {
			return fmt.Errorf("origin sender must be 64 hex characters, got %q", d.Origin.Sender)
		}
		if !types.IsHexOfLength(d.Origin.Signature, 128) {
			return fmt.Errorf("origin signature must be 128 hex characters")
		}
	}
	return nil
}
