package genesis

import (
	"fmt"
	"log/slog"
	"strings"

	"xianchain/core/nonce"
	"xianchain/storage"
)

// Compiler turns contract source into its stored compiled form. The
// execution engine provides the implementation.
type Compiler interface {
	Compile(name, source string) (transformed, compiled string, err error)
}

// Apply writes the document into the state driver and hard-applies it under
// the genesis timestamp. Contract code entries additionally produce a
// compiled artifact; a contract that fails to compile aborts the whole
// application, since genesis state is unfixable after the fact.
func Apply(doc *Document, driver *storage.Driver, nonces *nonce.Store, compiler Compiler, log *slog.Logger) error {
	if doc == nil {
		return fmt.Errorf("genesis document must not be nil")
	}

	for i, entry := range doc.Genesis {
		if name, ok := codeContract(entry.Key); ok {
			source, isString := entry.Value.(string)
			if !isString {
				return fmt.Errorf("genesis[%d]: contract code for %s is not a string", i, name)
			}
			if compiler == nil {
				return fmt.Errorf("genesis[%d]: contract code for %s but no compiler available", i, name)
			}
			log.Info("compiling genesis contract", "contract", name)
			_, compiled, err := compiler.Compile(name, source)
			if err != nil {
				return fmt.Errorf("genesis[%d]: compile %s: %w", i, name, err)
			}
			if err := driver.Set(name+".__compiled__", compiled); err != nil {
				return err
			}
		}
		if err := driver.Set(entry.Key, entry.Value); err != nil {
			return err
		}
	}

	for i, seed := range doc.Nonces {
		if err := nonces.SetCommitted(seed.Key, seed.Value); err != nil {
			return fmt.Errorf("nonces[%d]: %w", i, err)
		}
	}

	for _, entry := range doc.Rewards {
		if err := driver.Set(entry.Key, entry.Value); err != nil {
			return err
		}
	}

	if err := driver.HardApply(doc.HLCTimestamp); err != nil {
		return fmt.Errorf("apply genesis state: %w", err)
	}
	log.Info("genesis state applied",
		"entries", len(doc.Genesis),
		"rewards", len(doc.Rewards),
		"nonces", len(doc.Nonces),
		"nanos", doc.HLCTimestamp)
	return nil
}

// codeContract returns the contract name when key is a contract code key
// of the form <name>.__code__.
func codeContract(key string) (string, bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) >= 2 && parts[1] == "__code__" {
		return parts[0], true
	}
	return "", false
}
