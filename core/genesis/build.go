package genesis

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"xianchain/canonical"
	"xianchain/core/types"
	"xianchain/crypto"
	"xianchain/fingerprint"
)

// previousHash is the parent of block zero.
var previousHash = strings.Repeat("0", 64)

// BuildConfig describes what goes into a built genesis document. It is read
// from a JSON file next to the contract sources: which contracts to include,
// the state the chain starts with, and any reward or nonce seeds.
type BuildConfig struct {
	Extension string         `json:"extension"`
	Contracts []ContractSpec `json:"contracts"`
	State     []Entry        `json:"state,omitempty"`
	Rewards   []Entry        `json:"rewards,omitempty"`
	Nonces    []NonceSeed    `json:"nonces,omitempty"`
}

// ContractSpec names one contract source to include. The source file is
// <name><extension> in the contracts directory; SubmitAs overrides the name
// it is stored under. Developer defaults to "sys", which routes its reward
// share to the foundation.
type ContractSpec struct {
	Name      string `json:"name"`
	SubmitAs  string `json:"submit_as,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Developer string `json:"developer,omitempty"`
}

// BuildOptions are the chain-level parameters of a build.
type BuildOptions struct {
	// ChainID is exposed to the config as the %%chain_id%% placeholder.
	ChainID string
	// Time stamps the document. The zero time builds at nanosecond zero,
	// which keeps rebuilds byte-identical.
	Time time.Time
	// SingleNode makes the founder the owner of every contract.
	SingleNode bool
}

// LoadBuildConfig reads and validates a build config file.
func LoadBuildConfig(path string) (*BuildConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build config %q: %w", path, err)
	}
	var cfg BuildConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode build config %q: %w", path, err)
	}
	if len(cfg.Contracts) == 0 && len(cfg.State) == 0 {
		return nil, fmt.Errorf("build config %q names no contracts and no state", path)
	}
	return &cfg, nil
}

// Build assembles a genesis document: contract sources become code entries,
// the configured state is seeded with placeholders resolved, and the whole
// set is sorted by key, hashed and signed by the founder. The same inputs
// always produce the same document.
func Build(founder *crypto.PrivateKey, contractsDir string, cfg *BuildConfig, opts BuildOptions) (*Document, error) {
	if founder == nil {
		return nil, fmt.Errorf("founder key must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("build config must be provided")
	}

	founderAddress := founder.PubKey().Address()
	vars := map[string]string{
		"founder_public_key": founderAddress,
		"chain_id":           opts.ChainID,
	}

	entries := make([]Entry, 0, 3*len(cfg.Contracts)+len(cfg.State))
	submitted := make(map[string]struct{}, len(cfg.Contracts))
	for i, spec := range cfg.Contracts {
		if spec.Name == "" {
			return nil, fmt.Errorf("contracts[%d]: missing name", i)
		}
		source, err := os.ReadFile(filepath.Join(contractsDir, spec.Name+cfg.Extension))
		if err != nil {
			return nil, fmt.Errorf("contracts[%d]: %w", i, err)
		}
		name := spec.Name
		if spec.SubmitAs != "" {
			name = spec.SubmitAs
		}
		if !types.IsIdentifier(name) {
			return nil, fmt.Errorf("contracts[%d]: %q is not a valid contract name", i, name)
		}
		if _, dup := submitted[name]; dup {
			return nil, fmt.Errorf("contracts[%d]: %q submitted twice", i, name)
		}
		submitted[name] = struct{}{}

		owner := spec.Owner
		if opts.SingleNode {
			owner = founderAddress
		} else if owner, err = resolve(owner, vars); err != nil {
			return nil, fmt.Errorf("contracts[%d] owner: %w", i, err)
		}
		developer := spec.Developer
		if developer == "" {
			developer = "sys"
		} else if developer, err = resolve(developer, vars); err != nil {
			return nil, fmt.Errorf("contracts[%d] developer: %w", i, err)
		}

		entries = append(entries,
			Entry{Key: name + ".__code__", Value: string(source)},
			Entry{Key: name + ".__developer__", Value: developer},
		)
		if owner != "" {
			entries = append(entries, Entry{Key: name + ".__owner__", Value: owner})
		}
	}

	for i, entry := range cfg.State {
		key, err := resolve(entry.Key, vars)
		if err != nil {
			return nil, fmt.Errorf("state[%d] key: %w", i, err)
		}
		value, err := resolveValue(entry.Value, vars)
		if err != nil {
			return nil, fmt.Errorf("state[%d] %s: %w", i, key, err)
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	for i := 1; i < len(entries); i++ {
		if entries[i].Key == entries[i-1].Key {
			return nil, fmt.Errorf("duplicate genesis key %q", entries[i].Key)
		}
	}

	rewards := make([]Entry, 0, len(cfg.Rewards))
	for i, entry := range cfg.Rewards {
		key, err := resolve(entry.Key, vars)
		if err != nil {
			return nil, fmt.Errorf("rewards[%d] key: %w", i, err)
		}
		value, err := resolveValue(entry.Value, vars)
		if err != nil {
			return nil, fmt.Errorf("rewards[%d] %s: %w", i, key, err)
		}
		rewards = append(rewards, Entry{Key: key, Value: value})
	}

	var nanos int64
	if !opts.Time.IsZero() {
		nanos = opts.Time.UnixNano()
	}

	doc := &Document{
		Hash:         documentHash(nanos),
		HLCTimestamp: nanos,
		Genesis:      entries,
		Rewards:      rewards,
		Nonces:       append([]NonceSeed(nil), cfg.Nonces...),
	}

	digest, err := StateDigest(doc.Genesis)
	if err != nil {
		return nil, err
	}
	doc.Origin = &Origin{
		Sender:    founderAddress,
		Signature: hex.EncodeToString(ed25519.Sign(founder.Signer(), []byte(digest))),
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// VerifyOrigin checks the origin signature against the state entries.
func (d *Document) VerifyOrigin() error {
	if d.Origin == nil {
		return fmt.Errorf("document carries no origin")
	}
	digest, err := StateDigest(d.Genesis)
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(d.Origin.Sender)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("origin sender is not a public key")
	}
	sig, err := hex.DecodeString(d.Origin.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("origin signature is malformed")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(digest), sig) {
		return fmt.Errorf("origin signature does not match state entries")
	}
	return nil
}

// WriteFile writes the document as canonical JSON.
func WriteFile(doc *Document, path string) error {
	raw, err := canonical.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode genesis document: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write genesis %q: %w", path, err)
	}
	return nil
}

// StateDigest hashes the state entries sorted by key. The origin signature
// covers this digest, so it must come out identical on every rebuild.
func StateDigest(entries []Entry) (string, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	raw, err := canonical.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("encode state entries: %w", err)
	}
	return fingerprint.Hash(raw), nil
}

// documentHash derives the hash of block zero from its timestamp, its
// height and the all-zero parent.
func documentHash(nanos int64) string {
	return fingerprint.Hash([]byte(strconv.FormatInt(nanos, 10) + "0" + previousHash))
}

var placeholderPattern = regexp.MustCompile(`%%([A-Za-z0-9_]+)%%`)

// resolve substitutes %%name%% placeholders in s from vars. An unknown
// placeholder is an error: a half-built document must never be signed.
func resolve(s string, vars map[string]string) (string, error) {
	var unknown string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.Trim(match, "%")
		value, ok := vars[name]
		if !ok {
			if unknown == "" {
				unknown = name
			}
			return match
		}
		return value
	})
	if unknown != "" {
		return "", fmt.Errorf("unknown placeholder %%%%%s%%%%", unknown)
	}
	return out, nil
}

// resolveValue applies resolve through strings nested in lists and objects.
func resolveValue(v any, vars map[string]string) (any, error) {
	switch value := v.(type) {
	case string:
		return resolve(value, vars)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			resolved, err := resolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			resolved, err := resolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
