package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"xianchain/cmd/internal/passphrase"
	"xianchain/crypto"
)

const passEnv = "XIAN_KEYSTORE_PASS"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "gen":
		runGen(os.Args[2:])
	case "inspect":
		runInspect(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: xian-keys <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  gen      generate a validator key into an encrypted keystore")
	fmt.Fprintln(os.Stderr, "  inspect  print the address and public key of a keystore")
}

func runGen(args []string) {
	fs := flag.NewFlagSet("gen", flag.ExitOnError)
	out := fs.String("out", "validator.keystore", "Output keystore path")
	force := fs.Bool("force", false, "Overwrite an existing keystore")
	insecure := fs.Bool("insecure", false, "DEV ONLY: write the keystore without a passphrase")
	fs.Parse(args)

	if err := generate(*out, *force, *insecure); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func generate(out string, force, insecure bool) error {
	if !force {
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists; pass -force to overwrite", out)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	pass := ""
	if !insecure {
		var err error
		pass, err = passphrase.NewSource(passEnv, "Enter new keystore passphrase: ").GetNew()
		if err != nil {
			return err
		}
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", out)
	fmt.Printf("Validator address: %s\n", key.PubKey().Address())
	return nil
}

func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	path := fs.String("keystore", "validator.keystore", "Keystore file to inspect")
	fs.Parse(args)

	key, err := open(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Validator address: %s\n", key.PubKey().Address())
	fmt.Printf("Public key: %s\n", hex.EncodeToString(key.PubKey().Bytes()))
}

// open decrypts a keystore: the environment passphrase wins, then the empty
// passphrase the node writes for development keystores, then a prompt.
func open(path string) (*crypto.PrivateKey, error) {
	if pass, ok := os.LookupEnv(passEnv); ok {
		return crypto.LoadFromKeystore(path, pass)
	}
	key, err := crypto.LoadFromKeystore(path, "")
	if err == nil {
		return key, nil
	}
	pass, promptErr := passphrase.NewSource("", "Enter keystore passphrase: ").Get()
	if promptErr != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}
