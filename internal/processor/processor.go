// Package processor validates and applies transactions. It is the only
// writer of the ledger: every accepted transaction moves balances and
// nonces in one atomic ledger commit that also records the transaction and
// its receipt in the log.
package processor

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"kaya.mini/kaya/internal/chain"
	"kaya.mini/kaya/internal/ledger"
	"kaya.mini/kaya/internal/runtime"
	"kaya.mini/kaya/internal/txlog"
	"kaya.mini/kaya/internal/types"
)

const (
	infoTransfer = "Non-contract txn, sent to shard"
	infoDeploy   = "Contract Creation txn, sent to shard"
	infoInvoke   = "Contract Txn, Shards Match of the sender and receiver"
)

// Ledger is the part of the ledger the processor reads and writes.
type Ledger interface {
	ledger.Reader
	Apply(deltas []ledger.AccountDelta, record func() error) error
}

// Options carries the chain parameters the processor validates against.
type Options struct {
	Version     uint32
	MinGasPrice *uint256.Int
	TransferGas uint64
	DeployGas   uint64
	InvokeGas   uint64
	RecentCap   int
}

// Processor handles CreateTransaction and the transaction queries.
type Processor struct {
	ledger  Ledger
	gateway *runtime.Gateway
	counter *chain.Counter
	txs     *txlog.Log
	opts    Options
	res     *reservations
	log     zerolog.Logger
}

// New wires a processor. Zero gas options default to 1/50/10.
func New(l Ledger, gw *runtime.Gateway, counter *chain.Counter, txs *txlog.Log, opts Options, log zerolog.Logger) *Processor {
	if opts.MinGasPrice == nil {
		opts.MinGasPrice = new(uint256.Int)
	}
	if opts.TransferGas == 0 {
		opts.TransferGas = 1
	}
	if opts.DeployGas == 0 {
		opts.DeployGas = 50
	}
	if opts.InvokeGas == 0 {
		opts.InvokeGas = 10
	}
	if opts.RecentCap <= 0 {
		opts.RecentCap = 100
	}
	return &Processor{
		ledger:  l,
		gateway: gw,
		counter: counter,
		txs:     txs,
		opts:    opts,
		res:     newReservations(),
		log:     log.With().Str("component", "processor").Logger(),
	}
}

// Submit validates req and, when accepted, executes and records it.
// Rejections are *types.Error values and leave no trace. Contract failures
// after acceptance are reported in the receipt, not as an error.
func (p *Processor) Submit(ctx context.Context, raw types.TxRequest) (*types.SubmitResult, error) {
	req, err := p.parse(raw)
	if err != nil {
		return nil, err
	}

	keys := []common.Address{req.sender}
	if req.kind == types.TxInvoke {
		keys = append(keys, req.to)
	}
	release := p.res.acquire(keys...)
	defer release()

	sender, err := p.ledger.GetAccount(req.sender)
	if err != nil {
		return nil, err
	}
	if raw.Nonce != sender.Nonce+1 {
		return nil, types.NewError(types.KindNonceMismatch, map[string]uint64{
			"expected": sender.Nonce + 1,
			"got":      raw.Nonce,
		}, "nonce mismatch")
	}
	maxCost, err := req.maxCost()
	if err != nil {
		return nil, err
	}
	if sender.Balance.Lt(maxCost) {
		return nil, types.NewError(types.KindInsufficientBalance, map[string]string{
			"balance":  sender.Balance.Dec(),
			"required": maxCost.Dec(),
		}, "insufficient balance to cover amount and gas")
	}

	var target *types.Account
	if req.kind == types.TxInvoke {
		target, err = p.ledger.GetAccount(req.to)
		if err != nil && types.KindOf(err) != types.KindAccountNotFound {
			return nil, err
		}
		if target == nil || !target.IsContract() {
			return nil, types.Errorf(types.KindContractNotFound, "address %s is not a contract", types.FormatAddress(req.to))
		}
	}

	// Accepted from here on. Execution ends only on the gateway timeout,
	// never because the caller went away.
	ctx = context.WithoutCancel(ctx)
	block := p.counter.Current()
	tx := p.newTransaction(req, block)

	var (
		deltas []ledger.AccountDelta
		info   string
	)
	switch req.kind {
	case types.TxDeploy:
		deltas = p.deploy(ctx, req, sender, tx, block)
		info = infoDeploy
	case types.TxInvoke:
		deltas = p.invoke(ctx, req, sender, target, tx, block)
		info = infoInvoke
	default:
		deltas = p.transfer(req, sender, tx)
		info = infoTransfer
	}

	if err := p.ledger.Apply(deltas, func() error { return p.txs.Append(tx) }); err != nil {
		p.log.Error().Err(err).Str("tx_id", tx.ID).Msg("commit failed")
		if types.AsError(err) != nil {
			return nil, err
		}
		return nil, types.Errorf(types.KindInternal, "commit transaction: %v", err)
	}

	p.log.Info().
		Str("tx_id", tx.ID).
		Str("kind", string(tx.Kind)).
		Str("sender", tx.SenderAddr).
		Bool("success", tx.Receipt.Success).
		Str("gas", tx.Receipt.CumulativeGas).
		Msg("transaction applied")

	out := &types.SubmitResult{Info: info, TranID: tx.ID}
	if req.kind == types.TxDeploy {
		out.ContractAddress = tx.ContractAddress
	}
	return out, nil
}

func (p *Processor) newTransaction(req *request, block uint64) *types.Transaction {
	tx := &types.Transaction{
		ID:           req.txID(),
		Kind:         req.kind,
		Version:      strconv.FormatUint(uint64(req.raw.Version), 10),
		Nonce:        strconv.FormatUint(req.raw.Nonce, 10),
		SenderAddr:   types.FormatAddress(req.sender),
		SenderPubKey: req.raw.PubKey,
		Amount:       req.amount.Dec(),
		GasPrice:     req.gasPrice.Dec(),
		GasLimit:     strconv.FormatUint(req.gasLimit, 10),
		Code:         req.raw.Code,
		Data:         req.raw.Data,
		Signature:    req.raw.Signature,
		Receipt:      types.Receipt{EpochNum: strconv.FormatUint(block, 10)},
	}
	if req.kind == types.TxDeploy {
		tx.ToAddr = types.FormatAddress(common.Address{})
	} else {
		tx.ToAddr = types.FormatAddress(req.to)
	}
	return tx
}

// GetTransaction returns a recorded transaction.
func (p *Processor) GetTransaction(id string) (*types.Transaction, error) {
	return p.txs.Get(normalizeID(id))
}

// GetRecentTransactions returns the newest ids first and the total count.
func (p *Processor) GetRecentTransactions() *types.RecentTransactions {
	return &types.RecentTransactions{
		TxnHashes: p.txs.Recent(p.opts.RecentCap),
		Number:    int(p.txs.Count()),
	}
}

// GetContractAddressByTransactionID returns the contract created by a
// successful deployment.
func (p *Processor) GetContractAddressByTransactionID(id string) (string, error) {
	tx, err := p.txs.Get(normalizeID(id))
	if err != nil {
		return "", err
	}
	if tx.Kind != types.TxDeploy {
		return "", types.Errorf(types.KindNotADeployment, "transaction %s is not a contract creation", tx.ID)
	}
	if !tx.Receipt.Success {
		return "", types.Errorf(types.KindContractNotFound, "contract creation in %s reverted", tx.ID)
	}
	return tx.ContractAddress, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(id, "0x"), "0X"))
}

// gasCharged is the gas billed for a failed execution.
func gasCharged(err error, limit uint64) uint64 {
	var execErr *runtime.ExecutionError
	if errors.As(err, &execErr) && execErr.Metered && execErr.GasUsed <= limit {
		return execErr.GasUsed
	}
	return limit
}
