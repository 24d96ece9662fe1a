package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"xianchain/crypto"
)

// Config is the node configuration loaded from TOML. Load materializes a
// default file (and a validator keystore) on first run so a bare `xiand`
// comes up on a local single-node chain.
type Config struct {
	ChainID               string `toml:"ChainID"`
	RPCAddress            string `toml:"RPCAddress"`
	DataDir               string `toml:"DataDir"`
	GenesisFile           string `toml:"GenesisFile"`
	StatePatchFile        string `toml:"StatePatchFile"`
	TxIndexFile           string `toml:"TxIndexFile"`
	EngineEndpoint        string `toml:"EngineEndpoint"`
	ValidatorKeystorePath string `toml:"ValidatorKeystorePath"`

	// BlockServiceMode opens the historical query paths (keys, state
	// history, per-transaction state) and enables the transaction index.
	BlockServiceMode bool `toml:"BlockServiceMode"`
	EnableTxFee      bool `toml:"EnableTxFee"`

	Pruning   PruningConfig   `toml:"Pruning"`
	Rewards   RewardsConfig   `toml:"Rewards"`
	Log       LogConfig       `toml:"Log"`
	RPC       RPCConfig       `toml:"RPC"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
	CDS       CDSConfig       `toml:"CDS"`
}

// PruningConfig bounds how much finalized block data the consensus engine
// is asked to retain.
type PruningConfig struct {
	Enabled      bool  `toml:"Enabled"`
	BlocksToKeep int64 `toml:"BlocksToKeep"`
}

// RewardsConfig switches the reward engine between stamp-derived and fixed
// per-block payouts. Amounts are decimal strings so operators never fight
// float formatting in TOML.
type RewardsConfig struct {
	Static           bool   `toml:"Static"`
	ValidatorAmount  string `toml:"ValidatorAmount"`
	FoundationAmount string `toml:"FoundationAmount"`
}

// LogConfig controls the structured logger. An empty File logs to stdout;
// otherwise lines rotate through the named file.
type LogConfig struct {
	Level      string `toml:"Level"`
	Format     string `toml:"Format"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// RPCConfig tunes the JSON-RPC surface. The auth token itself never lives
// in the file; AuthTokenEnv names the environment variable that carries it.
type RPCConfig struct {
	AuthTokenEnv           string   `toml:"AuthTokenEnv"`
	MaxTxPerWindow         int      `toml:"MaxTxPerWindow"`
	RateLimitWindowSeconds int      `toml:"RateLimitWindowSeconds"`
	AllowedOrigins         []string `toml:"AllowedOrigins"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// CDSConfig attaches the chain data service. The service keeps its own
// YAML file because it is deployable apart from the node.
type CDSConfig struct {
	Enabled    bool   `toml:"Enabled"`
	ConfigFile string `toml:"ConfigFile"`
}

// Load reads the configuration at path, creating a default file (plus a
// validator keystore next to it) when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "BDSMode" {
			return nil, fmt.Errorf("config file %s uses deprecated BDSMode field; rename it to BlockServiceMode", path)
		}
	}

	cfg.applyDefaults()

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ChainID) == "" {
		c.ChainID = "xian-local"
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./xian-data"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if strings.TrimSpace(c.Log.Format) == "" {
		c.Log.Format = "json"
	}
	if c.RPC.AuthTokenEnv == "" {
		c.RPC.AuthTokenEnv = "XIAN_RPC_TOKEN"
	}
	if c.RPC.MaxTxPerWindow == 0 {
		c.RPC.MaxTxPerWindow = 5
	}
	if c.RPC.RateLimitWindowSeconds == 0 {
		c.RPC.RateLimitWindowSeconds = 60
	}
	if c.RPC.AllowedOrigins == nil {
		c.RPC.AllowedOrigins = []string{"*"}
	}
	if strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		c.Telemetry.Endpoint = "localhost:4318"
	}
}

// Validate rejects configurations that would make the node boot into an
// unusable or ambiguous shape.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ChainID) == "" {
		return fmt.Errorf("ChainID must not be empty")
	}
	if c.Pruning.Enabled && c.Pruning.BlocksToKeep <= 0 {
		return fmt.Errorf("Pruning.BlocksToKeep must be positive when pruning is enabled, got %d", c.Pruning.BlocksToKeep)
	}
	if c.Rewards.Static {
		if _, _, err := c.StaticRewardAmounts(); err != nil {
			return err
		}
	}
	if c.RPC.MaxTxPerWindow < 0 {
		return fmt.Errorf("RPC.MaxTxPerWindow must not be negative, got %d", c.RPC.MaxTxPerWindow)
	}
	if c.RPC.RateLimitWindowSeconds < 0 {
		return fmt.Errorf("RPC.RateLimitWindowSeconds must not be negative, got %d", c.RPC.RateLimitWindowSeconds)
	}
	if c.CDS.Enabled && strings.TrimSpace(c.CDS.ConfigFile) == "" {
		return fmt.Errorf("CDS.ConfigFile must be set when the chain data service is enabled")
	}
	return nil
}

// StaticRewardAmounts parses the fixed per-block payouts. Empty strings
// parse as zero so operators can set only the side they pay.
func (c *Config) StaticRewardAmounts() (validatorAmount, foundationAmount decimal.Decimal, err error) {
	validatorAmount, err = parseRewardAmount(c.Rewards.ValidatorAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("Rewards.ValidatorAmount: %w", err)
	}
	foundationAmount, err = parseRewardAmount(c.Rewards.FoundationAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("Rewards.FoundationAmount: %w", err)
	}
	return validatorAmount, foundationAmount, nil
}

func parseRewardAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed decimal %q: %w", raw, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %q must not be negative", raw)
	}
	return amount, nil
}

// TxIndexPath resolves the transaction index location. Block-service nodes
// default it into the data directory; other nodes run without an index
// unless one is configured explicitly.
func (c *Config) TxIndexPath() string {
	if trimmed := strings.TrimSpace(c.TxIndexFile); trimmed != "" {
		return trimmed
	}
	if c.BlockServiceMode {
		return filepath.Join(c.DataDir, "txindex.db")
	}
	return ""
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.ValidatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.ValidatorKeystorePath != keystorePath {
		cfg.ValidatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ChainID:        "xian-local",
		RPCAddress:     ":8080",
		DataDir:        "./xian-data",
		GenesisFile:    "",
		EngineEndpoint: "http://127.0.0.1:8000",
	}
	cfg.ValidatorKeystorePath = keystorePath
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "validator.keystore")
}
