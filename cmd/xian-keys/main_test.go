package main

import (
	"path/filepath"
	"testing"

	"xianchain/crypto"
)

func TestGenerateWritesProtectedKeystore(t *testing.T) {
	t.Setenv(passEnv, "hunter2")
	out := filepath.Join(t.TempDir(), "validator.keystore")

	if err := generate(out, false, false); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := crypto.LoadFromKeystore(out, "wrong"); err == nil {
		t.Fatal("keystore opened with the wrong passphrase")
	}
	key, err := crypto.LoadFromKeystore(out, "hunter2")
	if err != nil {
		t.Fatalf("open generated keystore: %v", err)
	}
	if len(key.PubKey().Address()) != crypto.AddressLength {
		t.Fatalf("unexpected address %q", key.PubKey().Address())
	}
}

func TestGenerateRefusesToOverwrite(t *testing.T) {
	t.Setenv(passEnv, "hunter2")
	out := filepath.Join(t.TempDir(), "validator.keystore")

	if err := generate(out, false, false); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if err := generate(out, false, false); err == nil {
		t.Fatal("second generate overwrote the keystore without -force")
	}
	if err := generate(out, true, false); err != nil {
		t.Fatalf("generate -force: %v", err)
	}
}

func TestGenerateInsecureSkipsPassphrase(t *testing.T) {
	out := filepath.Join(t.TempDir(), "validator.keystore")

	if err := generate(out, false, true); err != nil {
		t.Fatalf("generate -insecure: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(out, ""); err != nil {
		t.Fatalf("insecure keystore should open with an empty passphrase: %v", err)
	}
}

func TestOpenPrefersEnvironmentPassphrase(t *testing.T) {
	t.Setenv(passEnv, "hunter2")
	out := filepath.Join(t.TempDir(), "validator.keystore")
	if err := generate(out, false, false); err != nil {
		t.Fatalf("generate: %v", err)
	}

	key, err := open(out)
	if err != nil {
		t.Fatalf("open with environment passphrase: %v", err)
	}
	if key == nil {
		t.Fatal("no key returned")
	}
}

func TestOpenFallsBackToEmptyPassphrase(t *testing.T) {
	// An empty environment value resolves to the empty passphrase, the
	// same one the fallback path would try.
	t.Setenv(passEnv, "")
	out := filepath.Join(t.TempDir(), "validator.keystore")
	if err := generate(out, false, true); err != nil {
		t.Fatalf("generate -insecure: %v", err)
	}

	key, err := open(out)
	if err != nil {
		t.Fatalf("open unencrypted keystore: %v", err)
	}
	if key == nil {
		t.Fatal("no key returned")
	}
}
