package crypto

import (
	"bytes"
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.PubKey().Address()
	if len(addr) != AddressLength {
		t.Fatalf("address length = %d, want %d", len(addr), AddressLength)
	}
	pub, err := DecodeAddress(addr)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if !bytes.Equal(pub.Bytes(), key.PubKey().Bytes()) {
		t.Fatal("decoded address does not match public key")
	}

	msg := []byte("message")
	sig := ed25519.Sign(key.Signer(), msg)
	if !ed25519.Verify(pub.key, msg, sig) {
		t.Fatal("signature does not verify against decoded address")
	}
}

func TestDecodeAddressRejectsMalformed(t *testing.T) {
	if _, err := DecodeAddress("abc"); err == nil {
		t.Fatal("expected error for short address")
	}
	bad := make([]byte, AddressLength)
	for i := range bad {
		bad[i] = 'z'
	}
	if _, err := DecodeAddress(string(bad)); err == nil {
		t.Fatal("expected error for non-hex address")
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	fromSeed, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if fromSeed.PubKey().Address() != key.PubKey().Address() {
		t.Fatal("seed restore changed the key")
	}

	fromFull, err := PrivateKeyFromBytes(key.Signer())
	if err != nil {
		t.Fatalf("from full key: %v", err)
	}
	if fromFull.PubKey().Address() != key.PubKey().Address() {
		t.Fatal("full-key restore changed the key")
	}

	if _, err := PrivateKeyFromBytes(make([]byte, 16)); err == nil {
		t.Fatal("expected error for wrong key length")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "validator.json")

	if err := SaveToKeystore(path, key, "open sesame"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "open sesame")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatal("loaded key does not match saved key")
	}

	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}
