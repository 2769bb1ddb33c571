// Package snapshot saves and restores the whole emulator state: every
// account (with contract code, init and state), the block height and the
// transaction log. Saves are timestamped JSON files in a reserved directory
// and old saves are pruned.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"kaya.mini/kaya/internal/types"
)

const (
	savePrefix      = "kaya"
	saveExt         = ".json"
	defaultMaxSaves = 20
)

// Account is the saved form of a ledger account.
type Account struct {
	Address       string        `json:"address"`
	Balance       string        `json:"balance"`
	Nonce         uint64        `json:"nonce"`
	Code          string        `json:"code,omitempty"`
	Init          []types.Value `json:"init,omitempty"`
	State         []types.Value `json:"state,omitempty"`
	Deployer      string        `json:"deployer,omitempty"`
	CreationBlock uint64        `json:"creationBlock,omitempty"`
}

// Snapshot is one saved session.
type Snapshot struct {
	Version      string               `json:"version"`
	SavedAt      int64                `json:"savedAt"`
	BlockNumber  uint64               `json:"blockNumber"`
	Accounts     []Account            `json:"accounts"`
	Transactions []*types.Transaction `json:"transactions"`
}

// AccountExporter dumps the ledger.
type AccountExporter interface {
	ExportAccounts() ([]*types.Account, error)
}

// TxExporter dumps the transaction log.
type TxExporter interface {
	All() ([]*types.Transaction, error)
}

// Capture collects the current state.
func Capture(accounts AccountExporter, txs TxExporter, block uint64) (*Snapshot, error) {
	accts, err := accounts.ExportAccounts()
	if err != nil {
		return nil, fmt.Errorf("export accounts: %w", err)
	}
	all, err := txs.All()
	if err != nil {
		return nil, fmt.Errorf("export transactions: %w", err)
	}

	snap := &Snapshot{
		Version:      types.Version,
		SavedAt:      time.Now().Unix(),
		BlockNumber:  block,
		Accounts:     make([]Account, 0, len(accts)),
		Transactions: all,
	}
	if snap.Transactions == nil {
		snap.Transactions = []*types.Transaction{}
	}
	for _, a := range accts {
		sa := Account{
			Address: types.FormatAddress(a.Address),
			Balance: a.Balance.Dec(),
			Nonce:   a.Nonce,
			Code:    a.Code,
			Init:    a.Init,
			State:   a.State,
		}
		if a.IsContract() {
			sa.Deployer = types.FormatAddress(a.Deployer)
			sa.CreationBlock = a.CreationBlock
		}
		snap.Accounts = append(snap.Accounts, sa)
	}
	return snap, nil
}

// LedgerAccounts converts the saved accounts back into ledger records.
func (s *Snapshot) LedgerAccounts() ([]*types.Account, error) {
	out := make([]*types.Account, 0, len(s.Accounts))
	for _, sa := range s.Accounts {
		addr, err := types.ParseAddress(sa.Address)
		if err != nil {
			return nil, err
		}
		bal, err := uint256.FromDecimal(sa.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %s: bad balance %q: %w", sa.Address, sa.Balance, err)
		}
		acct := &types.Account{
			Address:       addr,
			Balance:       bal,
			Nonce:         sa.Nonce,
			Code:          sa.Code,
			Init:          sa.Init,
			State:         sa.State,
			CreationBlock: sa.CreationBlock,
		}
		if sa.Deployer != "" {
			acct.Deployer = common.HexToAddress(sa.Deployer)
		}
		if acct.IsContract() {
			if acct.Init == nil {
				acct.Init = []types.Value{}
			}
			if acct.State == nil {
				acct.State = []types.Value{}
			}
		}
		out = append(out, acct)
	}
	return out, nil
}

// Save writes snap into dir as kaya-<unix>.json and keeps at most maxSaves
// files.
func Save(dir string, snap *Snapshot, maxSaves int) (string, error) {
	if maxSaves <= 0 {
		maxSaves = defaultMaxSaves
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure save directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	path := uniqueSavePath(dir)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	pruneSaves(dir, maxSaves)
	return path, nil
}

// Load reads a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", filepath.Base(path), err)
	}
	return &snap, nil
}

// AccountLoader imports ledger accounts.
type AccountLoader interface {
	LoadAccounts(accounts []*types.Account) error
}

// TxImporter imports recorded transactions into an empty log.
type TxImporter interface {
	Count() uint64
	Import(txs []*types.Transaction) error
}

// BlockSetter moves the block counter forward.
type BlockSetter interface {
	Set(height uint64) error
}

// Restore loads snap into a fresh emulator. The transaction log must be
// empty.
func Restore(snap *Snapshot, accounts AccountLoader, txs TxImporter, blocks BlockSetter) error {
	if n := txs.Count(); n > 0 {
		return fmt.Errorf("cannot restore into a data path that already holds %d transactions", n)
	}
	accts, err := snap.LedgerAccounts()
	if err != nil {
		return err
	}
	if err := accounts.LoadAccounts(accts); err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	if err := txs.Import(snap.Transactions); err != nil {
		return fmt.Errorf("restore transactions: %w", err)
	}
	if err := blocks.Set(snap.BlockNumber); err != nil {
		return fmt.Errorf("restore block number: %w", err)
	}
	return nil
}

func uniqueSavePath(dir string) string {
	timestamp := time.Now().Unix()
	for {
		name := fmt.Sprintf("%s-%d%s", savePrefix, timestamp, saveExt)
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		timestamp++
	}
}

type saveInfo struct {
	path      string
	timestamp int64
}

// listSaves returns the saves in dir, oldest first.
func listSaves(dir string) []saveInfo {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var saves []saveInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, savePrefix+"-") || !strings.HasSuffix(name, saveExt) {
			continue
		}
		tsPart := strings.TrimSuffix(strings.TrimPrefix(name, savePrefix+"-"), saveExt)
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			ts = info.ModTime().Unix()
		}
		saves = append(saves, saveInfo{path: filepath.Join(dir, name), timestamp: ts})
	}

	sort.Slice(saves, func(i, j int) bool {
		if saves[i].timestamp == saves[j].timestamp {
			return saves[i].path < saves[j].path
		}
		return saves[i].timestamp < saves[j].timestamp
	})
	return saves
}

// Latest returns the newest save in dir, or "" when there is none.
func Latest(dir string) string {
	saves := listSaves(dir)
	if len(saves) == 0 {
		return ""
	}
	return saves[len(saves)-1].path
}

func pruneSaves(dir string, maxSaves int) {
	saves := listSaves(dir)
	for len(saves) > maxSaves {
		os.Remove(saves[0].path)
		saves = saves[1:]
	}
}
