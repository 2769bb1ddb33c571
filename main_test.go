package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"kaya.mini/kaya/internal/chain"
	"kaya.mini/kaya/internal/config"
	"kaya.mini/kaya/internal/ledger"
	"kaya.mini/kaya/internal/snapshot"
	"kaya.mini/kaya/internal/txlog"
	"kaya.mini/kaya/internal/wallet"
)

func newContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	var ctx *cli.Context
	app := &cli.App{
		Name:  "kaya",
		Flags: []cli.Flag{configFlag, fixturesFlag, accountsFlag, dataFlag, remoteFlag, verboseFlag, saveFlag, loadFlag, portFlag},
		Action: func(c *cli.Context) error {
			ctx = c
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"kaya"}, args...)))
	return ctx
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	dir := t.TempDir()
	ctx := newContext(t,
		"--config", filepath.Join(dir, "missing.json"),
		"-n", "3",
		"-d", filepath.Join(dir, "data"),
		"-p", "5555",
		"-v",
	)

	cfg, err := loadConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.NumAccounts)
	require.Equal(t, filepath.Join(dir, "data"), cfg.DataPath)
	require.Equal(t, 5555, cfg.Port)
	require.True(t, cfg.Verbose)
	require.False(t, cfg.Remote)
}

func TestLoadConfigRejectsReservedDataPath(t *testing.T) {
	ctx := newContext(t, "--config", filepath.Join(t.TempDir(), "missing.json"), "-d", "saved/")
	_, err := loadConfig(ctx)
	require.Error(t, err)
}

type node struct {
	store   *ledger.Store
	txs     *txlog.Log
	counter *chain.Counter
}

func newNode(t *testing.T) *node {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"), 8, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	txs, err := txlog.Open("", 10, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { txs.Close() })
	return &node{store: store, txs: txs, counter: chain.NewCounter(0, 1)}
}

func TestSeedGeneratesAccounts(t *testing.T) {
	n := newNode(t)
	cfg := config.Defaults()
	cfg.DataPath = t.TempDir()
	cfg.NumAccounts = 2

	require.NoError(t, seed(cfg, n.store, n.txs, n.counter, zerolog.Nop()))

	accounts, err := wallet.LoadFixtures(filepath.Join(cfg.DataPath, generatedAccountsFile))
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	for _, a := range accounts {
		bal, nonce, err := n.store.GetBalance(a.Address)
		require.NoError(t, err)
		require.Equal(t, cfg.DefaultBalance, bal.Dec())
		require.Zero(t, nonce)
	}
}

func TestSeedRestoresSnapshot(t *testing.T) {
	src := newNode(t)
	cfg := config.Defaults()
	cfg.DataPath = t.TempDir()
	cfg.NumAccounts = 1
	require.NoError(t, seed(cfg, src.store, src.txs, src.counter, zerolog.Nop()))
	src.counter.Mine()

	snap, err := snapshot.Capture(src.store, src.txs, src.counter.Current())
	require.NoError(t, err)
	cfg.SaveDir = filepath.Join(t.TempDir(), "saved")
	_, err = snapshot.Save(cfg.SaveDir, snap, 3)
	require.NoError(t, err)

	dst := newNode(t)
	cfg.Load = latestSave
	require.NoError(t, seed(cfg, dst.store, dst.txs, dst.counter, zerolog.Nop()))
	require.Equal(t, uint64(1), dst.counter.Current())

	exported, err := dst.store.ExportAccounts()
	require.NoError(t, err)
	require.Len(t, exported, 1)
}

func TestSeedLatestWithoutSaves(t *testing.T) {
	n := newNode(t)
	cfg := config.Defaults()
	cfg.SaveDir = t.TempDir()
	cfg.Load = latestSave
	require.Error(t, seed(cfg, n.store, n.txs, n.counter, zerolog.Nop()))
}

func TestSeedResumesLedgerWithAccounts(t *testing.T) {
	n := newNode(t)
	cfg := config.Defaults()
	cfg.DataPath = t.TempDir()
	cfg.NumAccounts = 2
	require.NoError(t, seed(cfg, n.store, n.txs, n.counter, zerolog.Nop()))

	generated := filepath.Join(cfg.DataPath, generatedAccountsFile)
	before, err := os.ReadFile(generated)
	require.NoError(t, err)

	require.NoError(t, seed(cfg, n.store, n.txs, n.counter, zerolog.Nop()))

	after, err := os.ReadFile(generated)
	require.NoError(t, err)
	require.Equal(t, before, after)
	count, err := n.store.AccountCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
