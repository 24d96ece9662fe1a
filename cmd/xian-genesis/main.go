package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"xianchain/canonical"
	"xianchain/cmd/internal/passphrase"
	"xianchain/core/genesis"
	"xianchain/crypto"
)

const (
	founderKeyEnv  = "XIAN_FOUNDER_PRIVKEY"
	founderPassEnv = "XIAN_FOUNDER_PASS"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "build":
		runBuild(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: xian-genesis <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  build   assemble a genesis document from contract sources")
	fmt.Fprintln(os.Stderr, "  verify  check an existing document and its origin signature")
}

func runBuild(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	contractsDir := fs.String("contracts", "./genesis/contracts", "Directory with contract sources and the contracts_<network>.json config")
	network := fs.String("network", "devnet", "Network name; selects contracts_<network>.json")
	chainID := fs.String("chain-id", "xian-network", "Chain ID exposed to the config as %%chain_id%%")
	output := fs.String("output", "genesis_block.json", "Output file for the document")
	update := fs.String("update", "", "Existing consensus genesis file to embed the document into")
	singleNode := fs.Bool("single-node", false, "Make the founder the owner of every contract")
	buildTime := fs.String("time", "", "Document timestamp as RFC3339 (default: nanosecond zero)")
	privHex := fs.String("founder-privkey", "", "Founder private key hex (falls back to "+founderKeyEnv+")")
	keystorePath := fs.String("founder-keystore", "", "Founder keystore file (passphrase via "+founderPassEnv+" or prompt)")
	fs.Parse(args)

	if err := build(*contractsDir, *network, *chainID, *output, *update, *buildTime, *privHex, *keystorePath, *singleNode); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func build(contractsDir, network, chainID, output, update, buildTime, privHex, keystorePath string, singleNode bool) error {
	founder, err := loadFounderKey(privHex, keystorePath)
	if err != nil {
		return err
	}

	cfgPath := filepath.Join(contractsDir, fmt.Sprintf("contracts_%s.json", network))
	cfg, err := genesis.LoadBuildConfig(cfgPath)
	if err != nil {
		return err
	}

	var at time.Time
	if trimmed := strings.TrimSpace(buildTime); trimmed != "" {
		at, err = time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return fmt.Errorf("parse -time: %w", err)
		}
	}

	doc, err := genesis.Build(founder, contractsDir, cfg, genesis.BuildOptions{
		ChainID:    chainID,
		Time:       at,
		SingleNode: singleNode,
	})
	if err != nil {
		return err
	}

	if err := genesis.WriteFile(doc, output); err != nil {
		return err
	}
	fmt.Printf("Wrote %s: %d entries, hash %s\n", output, len(doc.Genesis), doc.Hash)

	if strings.TrimSpace(update) != "" {
		if err := embedDocument(update, chainID, doc); err != nil {
			return err
		}
		fmt.Printf("Updated %s\n", update)
	}
	return nil
}

// embedDocument rewrites an existing consensus genesis file in place,
// setting its chain_id and replacing its application section. Every other
// field is preserved verbatim.
func embedDocument(path, chainID string, doc *genesis.Document) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}
	var wrapper map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wrapper); err != nil {
		return fmt.Errorf("decode %q: %w", path, err)
	}

	docRaw, err := canonical.Marshal(doc)
	if err != nil {
		return err
	}
	wrapper["chain_id"] = chainID
	wrapper["abci_genesis"] = json.RawMessage(docRaw)

	out, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func loadFounderKey(privHex, keystorePath string) (*crypto.PrivateKey, error) {
	if trimmed := strings.TrimSpace(privHex); trimmed != "" {
		return crypto.PrivateKeyFromHex(trimmed)
	}
	if env := strings.TrimSpace(os.Getenv(founderKeyEnv)); env != "" {
		return crypto.PrivateKeyFromHex(env)
	}
	if trimmed := strings.TrimSpace(keystorePath); trimmed != "" {
		pass, err := passphrase.NewSource(founderPassEnv, "Enter founder keystore passphrase: ").Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(trimmed, pass)
	}
	return nil, fmt.Errorf("founder key required: pass -founder-privkey, set %s, or pass -founder-keystore", founderKeyEnv)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	file := fs.String("file", "genesis_block.json", "Genesis document to verify")
	fs.Parse(args)

	doc, err := genesis.LoadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Document %s: %d entries, %d reward seeds, %d nonce seeds\n",
		doc.Hash, len(doc.Genesis), len(doc.Rewards), len(doc.Nonces))

	if doc.Origin == nil {
		fmt.Println("No origin signature present")
		return
	}
	if err := doc.VerifyOrigin(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Origin signature OK (sender %s)\n", doc.Origin.Sender)
}
