package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"xianchain/config"
	"xianchain/core"
	"xianchain/core/genesis"
	"xianchain/crypto"
	"xianchain/engine"
	"xianchain/observability/logging"
	telemetry "xianchain/observability/otel"
	"xianchain/rpc"
	"xianchain/services/cds"
	"xianchain/storage"
)

const (
	defaultConfigPath = "./config.toml"
	genesisPathEnv    = "XIAN_GENESIS"
)

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		runServe(args)
	case "init":
		runInit(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: xiand <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  init   write the default configuration, data layout and validator keystore")
	fmt.Fprintln(os.Stderr, "  serve  run the node (default)")
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to the configuration file to create")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: prepare data directory: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration: %s\n", *configPath)
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	fmt.Printf("Keystore: %s\n", cfg.ValidatorKeystorePath)
	// The generated development keystore is unencrypted; a protected one
	// fails to open here and the address line is simply skipped.
	if key, err := crypto.LoadFromKeystore(cfg.ValidatorKeystorePath, ""); err == nil {
		fmt.Printf("Validator address: %s\n", key.PubKey().Address())
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to the configuration file")
	genesisFlag := fs.String("genesis", "", "Path to a genesis document (overrides "+genesisPathEnv+" and config GenesisFile)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("xiand", logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	var doc *genesis.Document
	if genesisPath := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv); genesisPath != "" {
		doc, err = genesis.LoadFile(genesisPath)
		if err != nil {
			logger.Error("failed to load genesis document", "error", err)
			os.Exit(1)
		}
		logger.Info("genesis document loaded", "path", genesisPath, "hash", doc.Hash, "entries", len(doc.Genesis))
	} else {
		logger.Warn("no genesis document configured; init_chain must deliver the application state")
	}

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "xiand",
			ChainID:     cfg.ChainID,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			panic(fmt.Sprintf("Failed to initialise telemetry: %v", err))
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	validatorAmount, foundationAmount, err := cfg.StaticRewardAmounts()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse reward amounts: %v", err))
	}

	engineClient := engine.NewClient(engine.Options{Endpoint: cfg.EngineEndpoint})

	app, err := core.NewApp(db, cfg.DataDir, engineClient, core.Options{
		ChainID:                 cfg.ChainID,
		Genesis:                 doc,
		EnableTxFee:             cfg.EnableTxFee,
		StaticRewards:           cfg.Rewards.Static,
		StaticRewardsValidators: validatorAmount,
		StaticRewardsFoundation: foundationAmount,
		PruningEnabled:          cfg.Pruning.Enabled,
		BlocksToKeep:            cfg.Pruning.BlocksToKeep,
		BlockServiceMode:        cfg.BlockServiceMode,
		StatePatchPath:          cfg.StatePatchFile,
		TxIndexPath:             cfg.TxIndexPath(),
	}, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to create application: %v", err))
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.CDS.Enabled {
		if err := attachDataService(ctx, app, cfg.CDS.ConfigFile, doc, logger); err != nil {
			logger.Error("failed to attach chain data service", "error", err)
			os.Exit(1)
		}
	}

	authToken := strings.TrimSpace(os.Getenv(cfg.RPC.AuthTokenEnv))
	if authToken == "" {
		logger.Warn("consensus auth token not set; consensus methods will be refused", "env", cfg.RPC.AuthTokenEnv)
	}

	rpcServer := rpc.NewServer(app, rpc.Options{
		AuthToken:       authToken,
		MaxTxPerWindow:  cfg.RPC.MaxTxPerWindow,
		RateLimitWindow: time.Duration(cfg.RPC.RateLimitWindowSeconds) * time.Second,
		AllowedOrigins:  cfg.RPC.AllowedOrigins,
	}, logger)

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(ctx, cfg.RPCAddress)
	}()

	logger.Info("node initialised and running",
		"chain_id", cfg.ChainID,
		"rpc", cfg.RPCAddress,
		"engine", cfg.EngineEndpoint,
		"block_service", cfg.BlockServiceMode)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := <-rpcErrCh; err != nil {
			logger.Error("RPC server shutdown", "error", err)
		}
	case err := <-rpcErrCh:
		if err != nil {
			logger.Error("RPC server terminated", "error", err)
			os.Exit(1)
		}
	}
}

// attachDataService opens the analytics store, hangs it off the query
// surface and starts the block writer and HTTP API.
func attachDataService(ctx context.Context, app *core.App, configFile string, doc *genesis.Document, logger *slog.Logger) error {
	cdsCfg, err := cds.LoadConfig(configFile)
	if err != nil {
		return err
	}
	gormDB, err := cds.Open(cdsCfg.Database)
	if err != nil {
		return err
	}
	if err := cds.AutoMigrate(gormDB); err != nil {
		return err
	}

	store := cds.NewStore(gormDB)
	app.SetDataService(store)

	writer := cds.NewWriter(gormDB, logger)
	if doc != nil {
		if err := writer.IndexGenesis(doc); err != nil {
			return fmt.Errorf("index genesis: %w", err)
		}
	}
	go func() {
		if err := writer.Run(ctx, app.Feed()); err != nil {
			logger.Error("chain data writer stopped", "error", err)
		}
	}()

	server := cds.NewServer(store, cdsCfg.Auth, logger)
	go func() {
		if err := server.Start(ctx, cdsCfg.ListenAddress); err != nil {
			logger.Error("chain data service terminated", "error", err)
		}
	}()

	logger.Info("chain data service attached",
		"listen", cdsCfg.ListenAddress,
		"driver", cdsCfg.Database.Driver,
		logging.MaskField("dsn", cdsCfg.Database.DSN))
	return nil
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath picks the genesis document location: the command line
// wins, then the environment, then the config file. Empty means the node
// waits for the consensus engine to deliver state on init_chain.
func resolveGenesisPath(cliPath, cfgPath string, lookup envLookupFunc) string {
	if trimmed := strings.TrimSpace(cliPath); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(cfgPath)
}
