package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"xianchain/canonical"
	"xianchain/core/types"
	"xianchain/fingerprint"
	"xianchain/storage"
)

// StatePatch is one forced write applied at a configured block height,
// outside of any transaction. Deployed identically to every node; a node
// with a different patch file will fork and that is the intended failure
// mode.
type StatePatch struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// Compiler turns contract source into its stored form. Implemented by the
// execution engine; used when a patch replaces contract code.
type Compiler interface {
	Compile(name, source string) (transformed, compiled string, err error)
}

// StatePatchManager loads the patch file once at startup and applies the
// patches for a height at the start of that block, before any of its
// transactions run. Patch writes are hard-applied immediately so they are
// durable even if the rest of the block fails.
type StatePatchManager struct {
	driver   *storage.Driver
	compiler Compiler
	log      *slog.Logger
	patches  map[int64][]StatePatch
}

func NewStatePatchManager(driver *storage.Driver, compiler Compiler, log *slog.Logger) *StatePatchManager {
	return &StatePatchManager{
		driver:   driver,
		compiler: compiler,
		log:      log,
		patches:  make(map[int64][]StatePatch),
	}
}

// Load reads the patch file. A missing file is an empty patch set; a
// malformed file is a startup error, because silently skipping patches
// would fork the node from its peers.
func (m *StatePatchManager) Load(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.log.Info("no state patches file", "path", path)
		return nil
	}
	if err != nil {
		return err
	}

	var byHeight map[string][]StatePatch
	if err := json.Unmarshal(raw, &byHeight); err != nil {
		return fmt.Errorf("malformed state patches file %s: %w", path, err)
	}
	for heightStr, patches := range byHeight {
		height, err := strconv.ParseInt(heightStr, 10, 64)
		if err != nil {
			return fmt.Errorf("state patch height %q: %w", heightStr, err)
		}
		m.patches[height] = patches
	}
	m.log.Info("loaded state patches", "blocks", len(m.patches), "path", path)
	return nil
}

// HasPatches reports whether a block at the given height carries patches.
func (m *StatePatchManager) HasPatches(height int64) bool {
	return len(m.patches[height]) > 0
}

// Snapshot returns the loaded patch table keyed by decimal height, for the
// query surface. The copy keeps callers away from the live table.
func (m *StatePatchManager) Snapshot() map[string][]StatePatch {
	out := make(map[string][]StatePatch, len(m.patches))
	for height, patches := range m.patches {
		out[strconv.FormatInt(height, 10)] = append([]StatePatch(nil), patches...)
	}
	return out
}

// Apply writes the patches configured for height and returns the patch
// hash that joins the block's fingerprint accumulator, together with the
// writes actually applied. Heights without patches return an empty hash.
func (m *StatePatchManager) Apply(height, nanos int64) (string, []types.StateWrite, error) {
	patches := m.patches[height]
	if len(patches) == 0 {
		return "", nil, nil
	}
	m.log.Info("applying state patches", "count", len(patches), "height", height)

	var applied []types.StateWrite
	for _, patch := range patches {
		if name, ok := codePatchContract(patch.Key); ok {
			source, isString := patch.Value.(string)
			if !isString {
				return "", nil, fmt.Errorf("code patch %s: value is not source text", patch.Key)
			}
			if m.compiler == nil {
				return "", nil, fmt.Errorf("code patch %s: no compiler available", patch.Key)
			}
			transformed, compiled, err := m.compiler.Compile(name, source)
			if err != nil {
				m.log.Error("skipping uncompilable code patch", "key", patch.Key, "error", err)
				continue
			}
			compiledKey := name + ".__compiled__"
			if err := m.driver.Set(patch.Key, transformed); err != nil {
				return "", nil, err
			}
			if err := m.driver.Set(compiledKey, compiled); err != nil {
				return "", nil, err
			}
			applied = append(applied,
				types.StateWrite{Key: patch.Key, Value: transformed},
				types.StateWrite{Key: compiledKey, Value: compiled},
			)
			continue
		}

		if err := m.driver.Set(patch.Key, patch.Value); err != nil {
			return "", nil, err
		}
		applied = append(applied, types.StateWrite{Key: patch.Key, Value: patch.Value})
	}

	if err := m.driver.HardApply(nanos); err != nil {
		return "", nil, err
	}

	hash, err := PatchHash(patches)
	if err != nil {
		return "", nil, err
	}
	m.log.Info("state patches applied", "height", height, "hash", hash)
	return hash, applied, nil
}

// PatchHash derives the deterministic digest of a patch set. Comments are
// excluded; values are embedded in their canonical serialized form; the
// entries are hashed in key order regardless of file order.
func PatchHash(patches []StatePatch) (string, error) {
	type entry struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	entries := make([]entry, 0, len(patches))
	for _, patch := range patches {
		value, err := canonical.Marshal(patch.Value)
		if err != nil {
			return "", fmt.Errorf("patch %s: %w", patch.Key, err)
		}
		entries = append(entries, entry{Key: patch.Key, Value: string(value)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	raw, err := canonical.Marshal(entries)
	if err != nil {
		return "", err
	}
	return fingerprint.HashSHA256(raw), nil
}

// codePatchContract extracts the contract name from a code patch key.
func codePatchContract(key string) (string, bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) > 1 && parts[1] == "__code__" {
		return parts[0], true
	}
	return "", false
}
