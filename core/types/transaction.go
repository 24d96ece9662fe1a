package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"xianchain/canonical"
	"xianchain/fingerprint"
)

// Payload is the signed body of a transaction. Clients sign the canonical
// JSON encoding of exactly these fields; see CanonicalBytes.
type Payload struct {
	Sender         string         `json:"sender"`
	Nonce          int64          `json:"nonce"`
	StampsSupplied int64          `json:"stamps_supplied"`
	Contract       string         `json:"contract"`
	Function       string         `json:"function"`
	Kwargs         map[string]any `json:"kwargs"`
	ChainID        string         `json:"chain_id"`
}

// Metadata carries everything outside the signed body. It holds exactly the
// signature and nothing else.
type Metadata struct {
	Signature string `json:"signature"`
}

// Transaction is one decoded wire transaction. Instances are read-only once
// decoded; nothing in the node mutates them.
type Transaction struct {
	Payload  Payload  `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// canonicalPayload fixes the field order of the signed body. The order is
// the sorted key order, so it matches what canonical.Marshal produces for
// the equivalent map.
type canonicalPayload struct {
	ChainID        string         `json:"chain_id"`
	Contract       string         `json:"contract"`
	Function       string         `json:"function"`
	Kwargs         map[string]any `json:"kwargs"`
	Nonce          int64          `json:"nonce"`
	Sender         string         `json:"sender"`
	StampsSupplied int64          `json:"stamps_supplied"`
}

// CanonicalBytes returns the exact bytes the sender signed: the canonical
// JSON encoding of the payload with keys in sorted order at every level.
func (p Payload) CanonicalBytes() ([]byte, error) {
	kwargs := p.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return canonical.Marshal(canonicalPayload{
		ChainID:        p.ChainID,
		Contract:       p.Contract,
		Function:       p.Function,
		Kwargs:         kwargs,
		Nonce:          p.Nonce,
		Sender:         p.Sender,
		StampsSupplied: p.StampsSupplied,
	})
}

// Verify checks the ed25519 signature over the canonical payload bytes.
func (tx *Transaction) Verify() error {
	payload, err := tx.Payload.CanonicalBytes()
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(tx.Payload.Sender)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(tx.Metadata.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign fills in sender and signature from the given key. Used by the client
// tooling and tests; the node itself never signs transactions.
func (tx *Transaction) Sign(priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("unexpected public key type")
	}
	tx.Payload.Sender = hex.EncodeToString(pub)
	payload, err := tx.Payload.CanonicalBytes()
	if err != nil {
		return err
	}
	tx.Metadata.Signature = hex.EncodeToString(ed25519.Sign(priv, payload))
	return nil
}

// Hash returns the identity of the transaction within a block: the SHA3-256
// digest of the canonical encoding of the envelope with the block metadata
// attached. Identical on every node for the same delivered block.
func (tx *Transaction) Hash(meta BlockMeta) (string, error) {
	kwargs := tx.Payload.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return fingerprint.HashCanonical(map[string]any{
		"b_meta": meta,
		"metadata": map[string]any{
			"signature": tx.Metadata.Signature,
		},
		"payload": map[string]any{
			"chain_id":        tx.Payload.ChainID,
			"contract":        tx.Payload.Contract,
			"function":        tx.Payload.Function,
			"kwargs":          kwargs,
			"nonce":           tx.Payload.Nonce,
			"sender":          tx.Payload.Sender,
			"stamps_supplied": tx.Payload.StampsSupplied,
		},
	})
}

// SortKey is the total order used for proposal preparation and verification:
// the canonical encoding of the whole envelope compared as bytes. Content
// determines position, never arrival time.
func (tx *Transaction) SortKey() (string, error) {
	payload, err := tx.Payload.CanonicalBytes()
	if err != nil {
		return "", err
	}
	env, err := canonical.Marshal(map[string]any{
		"metadata": map[string]any{"signature": tx.Metadata.Signature},
		"payload":  json.RawMessage(payload),
	})
	if err != nil {
		return "", err
	}
	return string(env), nil
}

// DecodeRaw decodes the wire form delivered by the consensus engine: the
// bytes of a hex string whose decoding is UTF-8 JSON. The parsed payload is
// only trusted after its canonical re-encoding byte-compares equal to the
// canonical form of the raw payload substring, which closes the gap between
// what was signed and what was parsed.
func DecodeRaw(raw []byte) (*Transaction, error) {
	outer, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, &TxError{Kind: KindDecode, Message: "transaction is not valid hex"}
	}

	env, err := canonical.DecodeMap(outer)
	if err != nil {
		return nil, &TxError{Kind: KindDecode, Message: "transaction is not valid JSON"}
	}
	if err := exactKeys(env, "metadata", "payload"); err != nil {
		return nil, err
	}

	var shell struct {
		Payload  json.RawMessage `json:"payload"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(outer, &shell); err != nil {
		return nil, &TxError{Kind: KindDecode, Message: "transaction is not valid JSON"}
	}

	meta, err := canonical.DecodeMap(shell.Metadata)
	if err != nil {
		return nil, &TxError{Kind: KindPolicy, Message: "Metadata is missing"}
	}
	if len(meta) != 1 {
		return nil, &TxError{Kind: KindPolicy, Message: "Wrong number of metadata entries"}
	}
	if err := exactKeys(meta, "signature"); err != nil {
		return nil, err
	}

	payloadMap, err := canonical.DecodeMap(shell.Payload)
	if err != nil {
		return nil, &TxError{Kind: KindPolicy, Message: "Payload is missing"}
	}
	if err := exactKeys(payloadMap,
		"chain_id", "contract", "function", "kwargs", "nonce", "sender", "stamps_supplied"); err != nil {
		return nil, err
	}

	tx := &Transaction{}
	dec := json.NewDecoder(bytes.NewReader(outer))
	dec.UseNumber()
	if err := dec.Decode(tx); err != nil {
		return nil, &TxError{Kind: KindPolicy, Message: "Transaction has wrongly formatted dictionary"}
	}

	if err := tx.CheckShape(); err != nil {
		return nil, err
	}

	// Anti-ambiguity check: the raw payload substring must byte-for-byte
	// match the canonical encoding of the parsed payload, so exactly one
	// wire form exists per signed body.
	parsedCanonical, err := tx.Payload.CanonicalBytes()
	if err != nil {
		return nil, &TxError{Kind: KindPolicy, Message: "Payload is missing"}
	}
	if !bytes.Equal(shell.Payload, parsedCanonical) {
		return nil, &TxError{Kind: KindPolicy, Message: "Payload does not match its signed encoding"}
	}

	return tx, nil
}

// Encode produces the wire form: canonical JSON, UTF-8, hex string, and the
// hex string's bytes as the envelope. Decode(Encode(tx)) reproduces tx.
func (tx *Transaction) Encode() ([]byte, error) {
	env, err := tx.SortKey()
	if err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString([]byte(env))), nil
}

// CheckShape validates the structural schema: field formats, identifier
// rules, and non-negative integers. It performs no stateful checks.
func (tx *Transaction) CheckShape() error {
	p := tx.Payload
	switch {
	case !IsHexOfLength(p.Sender, 64):
		return &TxError{Kind: KindPolicy, Message: "Payload key 'sender' is invalid"}
	case !IsHexOfLength(tx.Metadata.Signature, 128):
		return &TxError{Kind: KindPolicy, Message: "Metadata key 'signature' is invalid"}
	case p.Nonce < 0:
		return &TxError{Kind: KindPolicy, Message: "Payload key 'nonce' is invalid"}
	case p.StampsSupplied < 0:
		return &TxError{Kind: KindPolicy, Message: "Payload key 'stamps_supplied' is invalid"}
	case !IsIdentifier(p.Contract):
		return &TxError{Kind: KindPolicy, Message: "Payload key 'contract' is invalid"}
	case !IsIdentifier(p.Function):
		return &TxError{Kind: KindPolicy, Message: "Payload key 'function' is invalid"}
	}
	for key := range p.Kwargs {
		if !IsIdentifier(key) {
			return &TxError{Kind: KindPolicy, Message: "Transaction has wrongly formatted dictionary"}
		}
	}
	return nil
}

func exactKeys(m map[string]any, want ...string) error {
	if len(m) != len(want) {
		return &TxError{Kind: KindPolicy, Message: "Transaction has unexpected or missing keys"}
	}
	for _, k := range want {
		if _, ok := m[k]; !ok {
			return &TxError{Kind: KindPolicy, Message: "Transaction has unexpected or missing keys"}
		}
	}
	return nil
}
