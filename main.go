// Package main is the entry point for Kaya, a local emulator of the
// Zilliqa JSON-RPC interface. It opens the ledger and transaction log,
// seeds accounts and serves JSON-RPC until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"kaya.mini/kaya/internal/chain"
	"kaya.mini/kaya/internal/config"
	"kaya.mini/kaya/internal/ledger"
	"kaya.mini/kaya/internal/logger"
	"kaya.mini/kaya/internal/processor"
	"kaya.mini/kaya/internal/rpc"
	"kaya.mini/kaya/internal/runtime"
	"kaya.mini/kaya/internal/snapshot"
	"kaya.mini/kaya/internal/txlog"
	"kaya.mini/kaya/internal/types"
	"kaya.mini/kaya/internal/wallet"
)

const (
	generatedAccountsFile = "accounts.json"
	latestSave            = "latest"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "path to a JSON configuration file",
		EnvVars: []string{"CONFIG_FILE"},
		Value:   "config.json",
	}
	fixturesFlag = &cli.StringFlag{
		Name:    "fixtures",
		Aliases: []string{"f"},
		Usage:   "load accounts from a fixtures file instead of generating them",
	}
	accountsFlag = &cli.IntFlag{
		Name:    "accounts",
		Aliases: []string{"n"},
		Usage:   "number of accounts to generate",
	}
	dataFlag = &cli.StringFlag{
		Name:    "data",
		Aliases: []string{"d"},
		Usage:   "directory for the ledger and transaction log",
	}
	remoteFlag = &cli.BoolFlag{
		Name:    "remote",
		Aliases: []string{"r"},
		Usage:   "execute contracts on the remote scilla runner",
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "debug logging on a console writer",
	}
	saveFlag = &cli.BoolFlag{
		Name:    "save",
		Aliases: []string{"s"},
		Usage:   "save a snapshot of the session on exit",
	}
	loadFlag = &cli.StringFlag{
		Name:    "load",
		Aliases: []string{"l"},
		Usage:   "restore a snapshot file at startup (\"latest\" picks the newest save)",
	}
	portFlag = &cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "JSON-RPC listening port",
	}
)

func main() {
	app := &cli.App{
		Name:    "kaya",
		Usage:   "local Zilliqa JSON-RPC emulator",
		Version: fmt.Sprintf("%s (%s)", types.Version, types.BuildTime),
		Flags: []cli.Flag{
			configFlag,
			fixturesFlag,
			accountsFlag,
			dataFlag,
			remoteFlag,
			verboseFlag,
			saveFlag,
			loadFlag,
			portFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flags on top.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet(fixturesFlag.Name) {
		cfg.Fixtures = ctx.String(fixturesFlag.Name)
	}
	if ctx.IsSet(accountsFlag.Name) {
		cfg.NumAccounts = ctx.Int(accountsFlag.Name)
	}
	if ctx.IsSet(dataFlag.Name) {
		cfg.DataPath = ctx.String(dataFlag.Name)
	}
	if ctx.IsSet(remoteFlag.Name) {
		cfg.Remote = ctx.Bool(remoteFlag.Name)
	}
	if ctx.IsSet(verboseFlag.Name) {
		cfg.Verbose = ctx.Bool(verboseFlag.Name)
	}
	if ctx.IsSet(saveFlag.Name) {
		cfg.Save = ctx.Bool(saveFlag.Name)
	}
	if ctx.IsSet(loadFlag.Name) {
		cfg.Load = ctx.String(loadFlag.Name)
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Port = ctx.Int(portFlag.Name)
	}
	return cfg, cfg.Validate()
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	level := "info"
	if cfg.Verbose {
		level = "debug"
	}
	log := logger.New(logger.Options{Level: level, Console: cfg.Verbose})
	log.Info().Str("version", types.Version).Msg("Kaya starting")

	if err := ensurePortAvailable(cfg.Port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", cfg.Port, err)
	}
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return fmt.Errorf("create data path: %w", err)
	}

	store, err := ledger.NewStore(filepath.Join(cfg.DataPath, "ledger.db"), cfg.CacheSize, log)
	if err != nil {
		return err
	}
	defer store.Close()

	txs, err := txlog.Open(filepath.Join(cfg.DataPath, "txlog"), cfg.RecentTxCap, log)
	if err != nil {
		return err
	}
	defer txs.Close()

	counter := chain.NewCounter(cfg.InitialBlock, cfg.MineStep)

	var engine runtime.Runtime
	if cfg.Remote {
		engine = runtime.NewRemoteEngine(cfg.RemoteURL, time.Duration(cfg.RuntimeTimeout), log)
		log.Info().Str("url", cfg.RemoteURL).Msg("using remote scilla runner")
	} else {
		engine = runtime.NewExecEngine(cfg.ScillaRunner, cfg.ScillaLibDir, log)
		log.Info().Str("binary", cfg.ScillaRunner).Msg("using local scilla runner")
	}
	gateway := runtime.NewGateway(engine, time.Duration(cfg.RuntimeTimeout), log)

	minGasPrice, err := cfg.MinGasPriceValue()
	if err != nil {
		return err
	}
	proc := processor.New(store, gateway, counter, txs, processor.Options{
		Version:     cfg.TxVersion(),
		MinGasPrice: minGasPrice,
		TransferGas: cfg.TransferGas,
		DeployGas:   cfg.ContractCreateGas,
		InvokeGas:   cfg.ContractInvokeGas,
		RecentCap:   cfg.RecentTxCap,
	}, log)

	if err := seed(cfg, store, txs, counter, log); err != nil {
		return err
	}

	svc := rpc.NewService(store, proc, counter, rpc.Options{
		ChainID:     cfg.ChainID,
		MinGasPrice: minGasPrice.Dec(),
	}, log)
	server := rpc.NewServer(svc, log)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("JSON-RPC server exited: %w", err)
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}

	if cfg.Save {
		snap, err := snapshot.Capture(store, txs, counter.Current())
		if err != nil {
			return err
		}
		path, err := snapshot.Save(cfg.SaveDir, snap, cfg.MaxSaves)
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("session saved")
	}
	return nil
}

// snapshotPath resolves the --load value against the save directory.
func snapshotPath(cfg *config.Config) (string, error) {
	if cfg.Load != latestSave {
		return cfg.Load, nil
	}
	path := snapshot.Latest(cfg.SaveDir)
	if path == "" {
		return "", fmt.Errorf("no saved sessions in %s", cfg.SaveDir)
	}
	return path, nil
}

// seed restores a snapshot, or loads fixtures, or generates fresh accounts.
// A data path that already holds accounts or transactions is resumed as is.
func seed(cfg *config.Config, store *ledger.Store, txs *txlog.Log, counter *chain.Counter, log zerolog.Logger) error {
	if cfg.Load != "" {
		path, err := snapshotPath(cfg)
		if err != nil {
			return err
		}
		snap, err := snapshot.Load(path)
		if err != nil {
			return err
		}
		if err := snapshot.Restore(snap, store, txs, counter); err != nil {
			return err
		}
		log.Info().
			Str("path", path).
			Int("accounts", len(snap.Accounts)).
			Int("transactions", len(snap.Transactions)).
			Uint64("block", snap.BlockNumber).
			Msg("snapshot restored")
		return nil
	}

	existing, err := store.AccountCount()
	if err != nil {
		return err
	}
	if n := txs.Count(); n > 0 || existing > 0 {
		log.Info().
			Uint64("transactions", n).
			Int("accounts", existing).
			Str("path", cfg.DataPath).
			Msg("resuming existing data path")
		return nil
	}

	var accounts []*wallet.Account
	if cfg.Fixtures != "" {
		accounts, err = wallet.LoadFixtures(cfg.Fixtures)
		if err != nil {
			return err
		}
		log.Info().Str("path", cfg.Fixtures).Int("accounts", len(accounts)).Msg("fixtures loaded")
	} else {
		balance, err := cfg.DefaultBalanceValue()
		if err != nil {
			return err
		}
		accounts, err = wallet.Generate(cfg.NumAccounts, balance)
		if err != nil {
			return err
		}
		if err := writeGenerated(filepath.Join(cfg.DataPath, generatedAccountsFile), accounts); err != nil {
			log.Warn().Err(err).Msg("could not write generated accounts")
		}
	}

	if err := store.LoadAccounts(wallet.LedgerAccounts(accounts)); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	wallet.LogAccounts(log, accounts)
	return nil
}

// writeGenerated stores generated keys in fixtures format so a later run
// can reuse them with --fixtures.
func writeGenerated(path string, accounts []*wallet.Account) error {
	data, err := wallet.MarshalFixtures(accounts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func ensurePortAvailable(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("address already in use")
		}
		return err
	}
	return listener.Close()
}
