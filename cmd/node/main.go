package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/params"
	"github.com/delayswap/delayswap/pkg/api"
	"github.com/delayswap/delayswap/pkg/core/engine"
	"github.com/delayswap/delayswap/pkg/core/gas"
	"github.com/delayswap/delayswap/pkg/core/ledger"
	"github.com/delayswap/delayswap/pkg/core/pool"
	"github.com/delayswap/delayswap/pkg/core/token"
	"github.com/delayswap/delayswap/pkg/storage"
	"github.com/delayswap/delayswap/pkg/util"
)

// Bootstrap addresses, overridable via env for non-dev deployments.
var (
	defaultOwner   = common.HexToAddress("0x000000000000000000000000000000000000da0a")
	defaultWrapped = common.HexToAddress("0x0000000000000000000000000000000000000c0e")
	defaultTokenA  = common.HexToAddress("0x000000000000000000000000000000000000aaa0")
	defaultTokenB  = common.HexToAddress("0x000000000000000000000000000000000000bbb0")
)

func envAddr(key string, fallback common.Address) common.Address {
	if v := os.Getenv(key); v != "" && common.IsHexAddress(v) {
		return common.HexToAddress(v)
	}
	return fallback
}

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "node.log")
	}

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("storage_init_failed", "err", err)
	}
	defer store.Close()

	journal, err := storage.NewFileJournal(filepath.Join(cfg.Node.DataDir, "events.log"))
	if err != nil {
		sugar.Fatalw("journal_init_failed", "err", err)
	}
	defer journal.Close()

	// ---- Tokens ----
	owner := envAddr("OWNER_ADDR", defaultOwner)
	bank := token.NewBank()

	wrapped, err := token.NewWrapped(envAddr("WRAPPED_NATIVE_ADDR", defaultWrapped), bank, store)
	if err != nil {
		sugar.Fatalw("wrapped_init_failed", "err", err)
	}
	tokenA, err := token.NewVault(envAddr("TOKEN_A_ADDR", defaultTokenA), 18, store)
	if err != nil {
		sugar.Fatalw("vault_init_failed", "err", err)
	}
	tokenB, err := token.NewVault(envAddr("TOKEN_B_ADDR", defaultTokenB), 18, store)
	if err != nil {
		sugar.Fatalw("vault_init_failed", "err", err)
	}

	// ---- Pools ----
	clock := util.RealClock{}
	registry := pool.NewRegistry(owner)
	if _, err := registry.Create(tokenA, tokenB, clock); err != nil {
		sugar.Fatalw("pool_init_failed", "err", err)
	}
	if _, err := registry.Create(tokenA, wrapped, clock); err != nil {
		sugar.Fatalw("pool_init_failed", "err", err)
	}

	// ---- Ledger and engine ----
	book, err := ledger.New(store)
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err)
	}

	eng := engine.New(cfg, owner, engine.Deps{
		Clock:    clock,
		Log:      sugar,
		Journal:  journal,
		Registry: registry,
		Ledger:   book,
		Bank:     bank,
		Wrapped:  wrapped,
		Costs:    gas.NewCostTable(cfg.Gas.DefaultTransferCost),
	})

	if bot := os.Getenv("BOT_ADDR"); bot != "" && common.IsHexAddress(bot) {
		if err := eng.SetBot(owner, common.HexToAddress(bot)); err != nil {
			sugar.Fatalw("bot_init_failed", "err", err)
		}
		sugar.Infow("bot_registered", "addr", bot)
	}

	sugar.Infow("node_starting",
		"owner", owner.Hex(),
		"pairs", len(registry.List()),
		"last_processed", book.LastProcessed(),
		"newest", book.Newest(),
		"delay_ms", cfg.Engine.DelayInterval.Milliseconds())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(eng, registry, bank, cfg, sugar)

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.ListenAddr)
		if err := apiServer.Start(cfg.Node.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
}
