package core

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"xianchain/core/types"
	"xianchain/fingerprint"
)

// TxRunner is the versioned transaction execution strategy. *TxProcessor
// is the standard implementation.
type TxRunner interface {
	Process(tx *types.Transaction, meta types.BlockMeta, metering bool) *ProcessedTx
}

// AppHasher is the versioned fingerprint construction. Changing how the
// app hash chains must happen through a version binding, never in place,
// so replaying old blocks reproduces their historical hashes.
type AppHasher interface {
	AppHash(accumulator []string) string
}

// Logic bundles every versioned module bound for one protocol version.
// A version with any module missing cannot be activated.
type Logic struct {
	Runner TxRunner
	Hasher AppHasher
}

func (l Logic) complete() error {
	if l.Runner == nil {
		return fmt.Errorf("no transaction runner bound")
	}
	if l.Hasher == nil {
		return fmt.Errorf("no app hasher bound")
	}
	return nil
}

// ChainHasher is the base fingerprint construction: concatenate the
// accumulator and digest it with SHA3-256.
type ChainHasher struct{}

func (ChainHasher) AppHash(accumulator []string) string {
	return fingerprint.ChainHash(accumulator)
}

// VersionThreshold activates a version once block height reaches Height.
type VersionThreshold struct {
	Height  int64
	Version string
}

// UpgradeHandler rebinds the block logic at configured heights, so every
// node switches behavior at exactly the same block. Rebinding is
// all-or-nothing: either the whole target version resolves or the current
// binding stays untouched and the caller halts. The schedule may step to
// an older version; downgrades follow the same path as upgrades.
type UpgradeHandler struct {
	log *slog.Logger

	mu       sync.Mutex
	registry map[string]Logic
	schedule []VersionThreshold
	current  string
}

func NewUpgradeHandler(initial string, log *slog.Logger) *UpgradeHandler {
	return &UpgradeHandler{
		log:      log,
		registry: make(map[string]Logic),
		current:  initial,
	}
}

// Register binds the logic modules for a version.
func (h *UpgradeHandler) Register(version string, logic Logic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry[version] = logic
}

// Schedule adds a height threshold at which the given version activates.
func (h *UpgradeHandler) Schedule(height int64, version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schedule = append(h.schedule, VersionThreshold{Height: height, Version: version})
	sort.SliceStable(h.schedule, func(i, j int) bool {
		return h.schedule[i].Height < h.schedule[j].Height
	})
}

// CheckUpgrade resolves the version that governs the given height and
// returns its logic, rebinding first if a threshold was crossed. An
// unresolvable target version is an error; the caller must halt rather
// than process the block with stale logic.
func (h *UpgradeHandler) CheckUpgrade(height int64) (Logic, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	target := h.current
	for _, threshold := range h.schedule {
		if height >= threshold.Height {
			target = threshold.Version
		}
	}

	if target != h.current {
		logic, ok := h.registry[target]
		if !ok {
			return Logic{}, fmt.Errorf("upgrade to %s at height %d: version not registered", target, height)
		}
		if err := logic.complete(); err != nil {
			return Logic{}, fmt.Errorf("upgrade to %s at height %d: %w", target, height, err)
		}
		h.log.Info("protocol version switch", "from", h.current, "to", target, "height", height)
		h.current = target
	}

	logic, ok := h.registry[h.current]
	if !ok {
		return Logic{}, fmt.Errorf("version %s not registered", h.current)
	}
	if err := logic.complete(); err != nil {
		return Logic{}, fmt.Errorf("version %s: %w", h.current, err)
	}
	return logic, nil
}

// Current reports the active version.
func (h *UpgradeHandler) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}
