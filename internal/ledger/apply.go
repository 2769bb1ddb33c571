package ledger

import (
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"kaya.mini/kaya/internal/types"
)

// Deployment installs contract code at a fresh account.
type Deployment struct {
	Code     string
	Init     []types.Value
	Deployer common.Address
	Block    uint64
}

// AccountDelta is one account's share of an atomic ledger mutation.
type AccountDelta struct {
	Address common.Address

	Debit  *uint256.Int
	Credit *uint256.Int

	// BumpNonce increments the nonce after checking it still equals Nonce.
	BumpNonce bool
	Nonce     uint64

	// CreateIfMissing materializes an empty account with zero nonce
	// instead of failing with AccountNotFound.
	CreateIfMissing bool

	// Deploy installs code and init; both are write-once.
	Deploy *Deployment

	// SetState replaces the contract state with State.
	SetState bool
	State    []types.Value
}

type pending struct {
	acct *types.Account
	seq  sql.NullInt64
}

const upsertAccount = `INSERT INTO accounts (
		address, balance, nonce, code, init, state, deployer, created_block, created_seq, touched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			balance = excluded.balance,
			nonce = excluded.nonce,
			code = excluded.code,
			init = excluded.init,
			state = excluded.state,
			deployer = excluded.deployer,
			created_block = excluded.created_block,
			created_seq = COALESCE(accounts.created_seq, excluded.created_seq),
			touched = MAX(accounts.touched, excluded.touched)`

// Apply performs every delta in one SQL transaction. Either all deltas are
// applied or none are. record, when set, runs after the writes and before
// the commit; its failure rolls the mutation back. Apply holds the store's
// write lock for its whole duration, so successive calls are totally
// ordered.
func (s *Store) Apply(deltas []AccountDelta, record func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}

	work := make(map[common.Address]*pending)
	var order []common.Address
	seq := s.nextSeq

	for _, d := range deltas {
		p, ok := work[d.Address]
		if !ok {
			acct, err := queryAccount(tx, d.Address)
			switch {
			case err == nil:
				acct = acct.Copy()
			case types.KindOf(err) == types.KindAccountNotFound && (d.CreateIfMissing || d.Deploy != nil):
				acct = newAccount(d.Address)
			default:
				tx.Rollback()
				return err
			}
			p = &pending{acct: acct}
			work[d.Address] = p
			order = append(order, d.Address)
		}

		if err := applyDelta(p, d, &seq); err != nil {
			tx.Rollback()
			return err
		}
	}

	stmt, err := tx.Prepare(upsertAccount)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare account upsert: %w", err)
	}
	defer stmt.Close()

	for _, addr := range order {
		args, err := accountArgs(work[addr], true)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("write account %s: %w", types.FormatAddress(addr), err)
		}
	}

	if record != nil {
		if err := record(); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}

	s.nextSeq = seq
	for _, addr := range order {
		s.cache.Add(addr, work[addr].acct)
	}
	return nil
}

func applyDelta(p *pending, d AccountDelta, seq *int64) error {
	acct := p.acct
	addr := types.FormatAddress(d.Address)

	if d.Deploy != nil {
		if acct.IsContract() {
			return types.Errorf(types.KindValidation, "contract code at %s is write-once", addr)
		}
		acct.Code = d.Deploy.Code
		acct.Init = append([]types.Value{}, d.Deploy.Init...)
		acct.Deployer = d.Deploy.Deployer
		acct.CreationBlock = d.Deploy.Block
		if acct.State == nil {
			acct.State = []types.Value{}
		}
		*seq++
		p.seq = sql.NullInt64{Int64: *seq, Valid: true}
	}

	if d.Debit != nil {
		if acct.Balance.Lt(d.Debit) {
			return types.NewError(types.KindInsufficientBalance, map[string]string{
				"balance": acct.Balance.Dec(),
				"debit":   d.Debit.Dec(),
			}, fmt.Sprintf("insufficient balance in %s", addr))
		}
		acct.Balance = new(uint256.Int).Sub(acct.Balance, d.Debit)
	}

	if d.Credit != nil {
		sum, overflow := new(uint256.Int).AddOverflow(acct.Balance, d.Credit)
		if overflow {
			return types.Errorf(types.KindValidation, "balance of %s overflows", addr)
		}
		acct.Balance = sum
	}

	if d.BumpNonce {
		if acct.Nonce != d.Nonce {
			return types.NewError(types.KindNonceMismatch, map[string]uint64{
				"expected": acct.Nonce + 1,
				"got":      d.Nonce + 1,
			}, fmt.Sprintf("nonce of %s changed concurrently", addr))
		}
		acct.Nonce++
	}

	if d.SetState {
		if !acct.IsContract() {
			return types.Errorf(types.KindContractNotFound, "address %s is not a contract", addr)
		}
		acct.State = append([]types.Value{}, d.State...)
	}

	return nil
}

// newAccount is the only place accounts come into existence outside of
// fixtures: zero balance, zero nonce.
func newAccount(addr common.Address) *types.Account {
	return &types.Account{Address: addr, Balance: new(uint256.Int)}
}

func accountArgs(p *pending, touched bool) ([]any, error) {
	acct := p.acct
	initCol, err := encodeValues(acct.Init)
	if err != nil {
		return nil, err
	}
	stateCol, err := encodeValues(acct.State)
	if err != nil {
		return nil, err
	}

	var deployer any
	if acct.IsContract() && acct.Deployer != (common.Address{}) {
		deployer = types.FormatAddress(acct.Deployer)
	}
	var createdBlock any
	if acct.IsContract() {
		createdBlock = int64(acct.CreationBlock)
	}
	var createdSeq any
	if p.seq.Valid {
		createdSeq = p.seq.Int64
	}
	touchedCol := 0
	if touched {
		touchedCol = 1
	}

	balance := acct.Balance
	if balance == nil {
		balance = new(uint256.Int)
	}

	return []any{
		types.FormatAddress(acct.Address),
		balance.Dec(),
		int64(acct.Nonce),
		nullable(acct.Code),
		initCol,
		stateCol,
		deployer,
		createdBlock,
		createdSeq,
		touchedCol,
	}, nil
}

// LoadAccounts imports accounts in bulk, merging by address. Addresses
// already touched by a processed transaction cannot be reloaded: the whole
// import is rejected with a ValidationError and nothing changes. Imported
// accounts with a non-zero nonce or deployed code count as touched.
func (s *Store) LoadAccounts(accounts []*types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin load: %w", err)
	}

	stmt, err := tx.Prepare(upsertAccount)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare load insert: %w", err)
	}
	defer stmt.Close()

	seq := s.nextSeq
	for _, acct := range accounts {
		addr := types.FormatAddress(acct.Address)

		var touched int
		err := tx.QueryRow(`SELECT touched FROM accounts WHERE address = ?`, addr).Scan(&touched)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			tx.Rollback()
			return fmt.Errorf("check account %s: %w", addr, err)
		case touched != 0:
			tx.Rollback()
			return types.Errorf(types.KindValidation, "account %s already has processed transactions and cannot be reloaded", addr)
		}

		p := &pending{acct: acct}
		if acct.IsContract() {
			seq++
			p.seq = sql.NullInt64{Int64: seq, Valid: true}
		}
		args, err := accountArgs(p, acct.Nonce > 0 || acct.IsContract())
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("load account %s: %w", addr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit load: %w", err)
	}

	s.nextSeq = seq
	for _, acct := range accounts {
		s.cache.Remove(acct.Address)
	}
	s.log.Info().Int("count", len(accounts)).Msg("accounts loaded")
	return nil
}

// AccountCount returns the number of accounts in the ledger.
func (s *Store) AccountCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}

// ExportAccounts dumps every account: plain accounts first, then contracts
// in creation order.
func (s *Store) ExportAccounts() ([]*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts
		ORDER BY created_seq IS NOT NULL, created_seq, address`)
	if err != nil {
		return nil, fmt.Errorf("export accounts: %w", err)
	}
	defer rows.Close()

	var out []*types.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}
