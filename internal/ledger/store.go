// Package ledger provides the account ledger backed by SQLite. It owns every
// account record (balance, nonce, contract code/init/state), serves point
// lookups through an LRU cache, and applies multi-account mutations
// atomically on behalf of the transaction processor.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"kaya.mini/kaya/internal/types"

	_ "modernc.org/sqlite"
)

const (
	defaultDBFile    = "ledger.db"
	defaultCacheSize = 1024
	maxBusyTimeoutMs = 5000
)

// Field selects one of the contract artifacts.
type Field string

const (
	FieldCode  Field = "code"
	FieldState Field = "state"
	FieldInit  Field = "init"
)

// Reader is the read-only view of the ledger handed to query paths.
type Reader interface {
	GetAccount(addr common.Address) (*types.Account, error)
	GetBalance(addr common.Address) (*uint256.Int, uint64, error)
	GetContractField(addr common.Address, field Field) (any, error)
	ListContracts() ([]common.Address, error)
	ListContractsByDeployer(deployer common.Address) ([]types.ContractSummary, error)
}

// Store manages the account table and its cache.
type Store struct {
	mu      sync.RWMutex
	db      *sql.DB
	file    string
	cache   *lru.Cache[common.Address, *types.Account]
	nextSeq int64
	log     zerolog.Logger
}

var _ Reader = (*Store)(nil)

// NewStore opens (creating if needed) the ledger database at filePath.
func NewStore(filePath string, cacheSize int, log zerolog.Logger) (*Store, error) {
	if filePath == "" {
		filePath = defaultDBFile
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	cache, err := lru.New[common.Address, *types.Account](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create account cache: %w", err)
	}

	s := &Store{
		file:  absPath,
		cache: cache,
		log:   log.With().Str("component", "ledger").Logger(),
	}

	if err := s.openDB(); err != nil {
		return nil, err
	}

	if err := s.ensureSchema(); err != nil {
		_ = s.closeDB()
		return nil, err
	}

	if err := s.db.QueryRow(`SELECT COALESCE(MAX(created_seq), 0) FROM accounts`).Scan(&s.nextSeq); err != nil {
		_ = s.closeDB()
		return nil, fmt.Errorf("read contract sequence: %w", err)
	}

	s.log.Debug().Str("file", absPath).Msg("ledger opened")
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	return s.closeDB()
}

func (s *Store) openDB() error {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", filepath.Clean(s.file))

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", maxBusyTimeoutMs)); err != nil {
		db.Close()
		return fmt.Errorf("set busy timeout: %w", err)
	}

	s.db = db
	return nil
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS accounts (
		address TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		nonce INTEGER NOT NULL,
		code TEXT,
		init TEXT,
		state TEXT,
		deployer TEXT,
		created_block INTEGER,
		created_seq INTEGER,
		touched INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS accounts_created_seq ON accounts (created_seq)`); err != nil {
		return fmt.Errorf("create contract index: %w", err)
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	return nil
}

const accountColumns = `address, balance, nonce, code, init, state, deployer, created_block`

// GetAccount returns a copy of the account at addr.
func (s *Store) GetAccount(addr common.Address) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, err := s.getAccountLocked(addr)
	if err != nil {
		return nil, err
	}
	return acct.Copy(), nil
}

// GetBalance returns the balance and nonce of addr.
func (s *Store) GetBalance(addr common.Address) (*uint256.Int, uint64, error) {
	acct, err := s.GetAccount(addr)
	if err != nil {
		return nil, 0, err
	}
	return acct.Balance, acct.Nonce, nil
}

// GetContractField returns the code (string), state or init ([]types.Value)
// of the contract at addr.
func (s *Store) GetContractField(addr common.Address, field Field) (any, error) {
	acct, err := s.GetAccount(addr)
	if err != nil {
		if types.KindOf(err) == types.KindAccountNotFound {
			return nil, types.Errorf(types.KindContractNotFound, "address %s is not a contract", types.FormatAddress(addr))
		}
		return nil, err
	}
	if !acct.IsContract() {
		return nil, types.Errorf(types.KindContractNotFound, "address %s is not a contract", types.FormatAddress(addr))
	}

	switch field {
	case FieldCode:
		return acct.Code, nil
	case FieldState:
		if acct.State == nil {
			return nil, types.Errorf(types.KindFieldNotSet, "state not set for %s", types.FormatAddress(addr))
		}
		return acct.State, nil
	case FieldInit:
		if acct.Init == nil {
			return nil, types.Errorf(types.KindFieldNotSet, "init not set for %s", types.FormatAddress(addr))
		}
		return acct.Init, nil
	default:
		return nil, types.Errorf(types.KindValidation, "unknown contract field %q", field)
	}
}

// ListContracts returns every contract address in creation order.
func (s *Store) ListContracts() ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT address FROM accounts
		WHERE created_seq IS NOT NULL ORDER BY created_seq`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		out = append(out, common.HexToAddress(addr))
	}
	return out, rows.Err()
}

// ListContractsByDeployer returns the contracts deployed by deployer with
// their current state, in creation order.
func (s *Store) ListContractsByDeployer(deployer common.Address) ([]types.ContractSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT address, state FROM accounts
		WHERE created_seq IS NOT NULL AND deployer = ? ORDER BY created_seq`, types.FormatAddress(deployer))
	if err != nil {
		return nil, fmt.Errorf("list contracts by deployer: %w", err)
	}
	defer rows.Close()

	out := []types.ContractSummary{}
	for rows.Next() {
		var (
			addr  string
			state sql.NullString
		)
		if err := rows.Scan(&addr, &state); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		values, err := decodeValues(state)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ContractSummary{Address: addr, State: values})
	}
	return out, rows.Err()
}

func (s *Store) getAccountLocked(addr common.Address) (*types.Account, error) {
	if acct, ok := s.cache.Get(addr); ok {
		return acct, nil
	}

	acct, err := queryAccount(s.db, addr)
	if err != nil {
		return nil, err
	}
	s.cache.Add(addr, acct)
	return acct, nil
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func queryAccount(q queryer, addr common.Address) (*types.Account, error) {
	row := q.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE address = ?`, types.FormatAddress(addr))
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.Errorf(types.KindAccountNotFound, "account %s is not created", types.FormatAddress(addr))
		}
		return nil, fmt.Errorf("load account %s: %w", types.FormatAddress(addr), err)
	}
	return acct, nil
}

func scanAccount(scanner interface{ Scan(dest ...any) error }) (*types.Account, error) {
	var (
		addr, balance          string
		nonce                  int64
		code, init, state, dep sql.NullString
		block                  sql.NullInt64
	)
	if err := scanner.Scan(&addr, &balance, &nonce, &code, &init, &state, &dep, &block); err != nil {
		return nil, err
	}

	bal, err := uint256.FromDecimal(balance)
	if err != nil {
		return nil, fmt.Errorf("decode balance of %s: %w", addr, err)
	}
	initValues, err := decodeValues(init)
	if err != nil {
		return nil, err
	}
	stateValues, err := decodeValues(state)
	if err != nil {
		return nil, err
	}

	acct := &types.Account{
		Address: common.HexToAddress(addr),
		Balance: bal,
		Nonce:   uint64(nonce),
		Code:    code.String,
		Init:    initValues,
		State:   stateValues,
	}
	if block.Valid {
		acct.CreationBlock = uint64(block.Int64)
	}
	if dep.Valid && dep.String != "" {
		acct.Deployer = common.HexToAddress(dep.String)
	}
	return acct, nil
}

func decodeValues(col sql.NullString) ([]types.Value, error) {
	if !col.Valid {
		return nil, nil
	}
	values := []types.Value{}
	if err := json.Unmarshal([]byte(col.String), &values); err != nil {
		return nil, fmt.Errorf("decode contract values: %w", err)
	}
	return values, nil
}

func encodeValues(values []types.Value) (any, error) {
	if values == nil {
		return nil, nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode contract values: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
