package main

import (
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/api"
	"github.com/lendexhq/lendex/pkg/core"
	"github.com/lendexhq/lendex/pkg/oracle"
	"github.com/lendexhq/lendex/pkg/storage"
	"github.com/lendexhq/lendex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/lendexd.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store, err := storage.NewPebbleStore(cfg.Node.DataDir)
	if err != nil {
		logger.Fatal("open ledger db", zap.String("path", cfg.Node.DataDir), zap.Error(err))
	}
	defer store.Close()

	// Seed the global parameters on first start.
	globals, err := store.Globals()
	if err != nil {
		logger.Fatal("load globals", zap.Error(err))
	}
	if globals == (core.Globals{}) {
		globals = core.Globals{
			FeeTarget:       cfg.Ledger.FeeTarget,
			QuantAddress:    cfg.Ledger.QuantAddress,
			OperatorAddress: cfg.Ledger.OperatorAddress,
		}
		if err := store.Commit(core.ChangeSet{Globals: &globals}); err != nil {
			logger.Fatal("seed globals", zap.Error(err))
		}
		logger.Info("globals seeded",
			zap.Stringer("fee_target", globals.FeeTarget),
			zap.Stringer("quant", globals.QuantAddress),
			zap.Stringer("operator", globals.OperatorAddress))
	}

	prices := oracle.NewStatic()
	genesis := time.Unix(cfg.Node.GenesisTime, 0)
	engine := core.NewEngine(store, prices, cfg.Ledger.Owner, genesis, util.RealClock{}, logger)

	server := api.NewServer(engine, prices, logger)
	logger.Info("lendexd starting",
		zap.String("listen", cfg.Node.ListenAddr),
		zap.String("data_dir", cfg.Node.DataDir),
		zap.Int64("genesis_time", cfg.Node.GenesisTime))
	if err := server.Start(cfg.Node.ListenAddr); err != nil {
		logger.Fatal("api server", zap.Error(err))
	}
}
