package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressLength is the length of a textual address: the lowercase hex
// encoding of a 32-byte ed25519 public key.
const AddressLength = 2 * ed25519.PublicKeySize

// PrivateKey wraps an ed25519 signing key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PublicKey wraps an ed25519 verifying key.
type PublicKey struct {
	key ed25519.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// Bytes returns the 32-byte seed of the private key.
func (k *PrivateKey) Bytes() []byte {
	seed := k.key.Seed()
	out := make([]byte, len(seed))
	copy(out, seed)
	return out
}

// Signer exposes the underlying ed25519 key for signing.
func (k *PrivateKey) Signer() ed25519.PrivateKey {
	return k.key
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{key: k.key.Public().(ed25519.PublicKey)}
}

// Address returns the textual account address for the key.
func (k *PublicKey) Address() string {
	return hex.EncodeToString(k.key)
}

func (k *PublicKey) Bytes() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// PrivateKeyFromBytes restores a private key from either a 32-byte seed or
// a full 64-byte expanded key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		return &PrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(key, b)
		return &PrivateKey{key: key}, nil
	default:
		return nil, fmt.Errorf("invalid private key length %d", len(b))
	}
}

func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	return PrivateKeyFromBytes(b)
}

// PublicKeyFromBytes wraps raw ed25519 public key bytes.
func PublicKeyFromBytes(b []byte) *PublicKey {
	key := make(ed25519.PublicKey, len(b))
	copy(key, b)
	return &PublicKey{key: key}
}

// DecodeAddress parses a textual address back into the verifying key it
// encodes.
func DecodeAddress(addr string) (*PublicKey, error) {
	if len(addr) != AddressLength {
		return nil, errors.New("address must be 64 hex characters")
	}
	b, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address hex: %w", err)
	}
	return &PublicKey{key: ed25519.PublicKey(b)}, nil
}
