package main

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"xianchain/core/genesis"
)

func testFounderHex() string {
	return hex.EncodeToString(make([]byte, 32))
}

func writeGenesisInputs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `{"extension":".py","contracts":[{"name":"currency"}],` +
		`"state":[{"key":"currency.balances:%%founder_public_key%%","value":{"__fixed__":"1000"}}]}`
	if err := os.WriteFile(filepath.Join(dir, "contracts_devnet.json"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "currency.py"), []byte("balances = Hash()"), 0o644); err != nil {
		t.Fatalf("write contract: %v", err)
	}
	return dir
}

func TestBuildWritesVerifiableDocument(t *testing.T) {
	dir := writeGenesisInputs(t)
	output := filepath.Join(t.TempDir(), "genesis_block.json")

	err := build(dir, "devnet", "xian-test", output, "", "", testFounderHex(), "", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	doc, err := genesis.LoadFile(output)
	if err != nil {
		t.Fatalf("load output: %v", err)
	}
	if err := doc.VerifyOrigin(); err != nil {
		t.Fatalf("origin does not verify: %v", err)
	}
	if len(doc.Genesis) != 3 {
		t.Fatalf("expected code, developer and balance entries, got %d", len(doc.Genesis))
	}
}

func TestBuildEmbedsIntoExistingGenesis(t *testing.T) {
	dir := writeGenesisInputs(t)
	output := filepath.Join(t.TempDir(), "genesis_block.json")
	wrapperPath := filepath.Join(t.TempDir(), "genesis.json")
	wrapper := `{"genesis_time":"2024-01-01T00:00:00Z","chain_id":"stale","validators":[]}`
	if err := os.WriteFile(wrapperPath, []byte(wrapper), 0o644); err != nil {
		t.Fatalf("write wrapper: %v", err)
	}

	err := build(dir, "devnet", "xian-test", output, wrapperPath, "", testFounderHex(), "", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, err := os.ReadFile(wrapperPath)
	if err != nil {
		t.Fatalf("read wrapper: %v", err)
	}
	var updated map[string]any
	if err := json.Unmarshal(raw, &updated); err != nil {
		t.Fatalf("decode wrapper: %v", err)
	}
	if updated["chain_id"] != "xian-test" {
		t.Fatalf("chain_id not updated: %v", updated["chain_id"])
	}
	if updated["genesis_time"] != "2024-01-01T00:00:00Z" {
		t.Fatal("unrelated wrapper fields were not preserved")
	}
	if _, ok := updated["abci_genesis"].(map[string]any); !ok {
		t.Fatalf("application section not embedded: %T", updated["abci_genesis"])
	}

	// The embedded section must load through the same path nodes use.
	doc, err := genesis.LoadFile(wrapperPath)
	if err != nil {
		t.Fatalf("load embedded document: %v", err)
	}
	if err := doc.VerifyOrigin(); err != nil {
		t.Fatalf("embedded origin does not verify: %v", err)
	}
}

func TestBuildRejectsUnknownNetwork(t *testing.T) {
	dir := writeGenesisInputs(t)
	output := filepath.Join(t.TempDir(), "genesis_block.json")
	if err := build(dir, "mainnet", "xian-test", output, "", "", testFounderHex(), "", false); err == nil {
		t.Fatal("build accepted a network with no config file")
	}
}

func TestBuildRejectsBadTime(t *testing.T) {
	dir := writeGenesisInputs(t)
	output := filepath.Join(t.TempDir(), "genesis_block.json")
	if err := build(dir, "devnet", "xian-test", output, "", "yesterday", testFounderHex(), "", false); err == nil {
		t.Fatal("build accepted a malformed timestamp")
	}
}

func TestLoadFounderKeyRequiresASource(t *testing.T) {
	t.Setenv(founderKeyEnv, "")
	if _, err := loadFounderKey("", ""); err == nil {
		t.Fatal("missing founder key accepted")
	}
	if _, err := loadFounderKey("zz", ""); err == nil {
		t.Fatal("malformed founder key hex accepted")
	}
}
