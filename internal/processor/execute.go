package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"kaya.mini/kaya/internal/ledger"
	"kaya.mini/kaya/internal/runtime"
	"kaya.mini/kaya/internal/types"
)

// creditOrCreate credits addr, materializing it with zero balance and zero
// nonce when it does not exist yet. It is the only path by which a
// transaction creates a plain account.
func creditOrCreate(addr common.Address, amount *uint256.Int) ledger.AccountDelta {
	return ledger.AccountDelta{Address: addr, Credit: amount, CreateIfMissing: true}
}

func senderDelta(req *request, sender *types.Account, debit *uint256.Int) ledger.AccountDelta {
	return ledger.AccountDelta{
		Address:   req.sender,
		Debit:     debit,
		BumpNonce: true,
		Nonce:     sender.Nonce,
	}
}

func fee(gas uint64, price *uint256.Int) *uint256.Int {
	// Callers only bill gas <= gasLimit, and gasLimit*gasPrice was checked
	// against overflow during validation.
	f, _ := gasCost(gas, price)
	return f
}

func (p *Processor) transfer(req *request, sender *types.Account, tx *types.Transaction) []ledger.AccountDelta {
	gas := p.opts.TransferGas
	debit := new(uint256.Int).Add(req.amount, fee(gas, req.gasPrice))

	tx.Receipt.Success = true
	tx.Receipt.CumulativeGas = strconv.FormatUint(gas, 10)

	return []ledger.AccountDelta{
		senderDelta(req, sender, debit),
		creditOrCreate(req.to, req.amount),
	}
}

func (p *Processor) deploy(ctx context.Context, req *request, sender *types.Account, tx *types.Transaction, block uint64) []ledger.AccountDelta {
	addr := types.ContractAddress(req.sender, sender.Nonce)
	tx.ContractAddress = types.FormatAddress(addr)

	res, err := p.gateway.Deploy(ctx, runtime.DeployRequest{
		Code:        req.raw.Code,
		Init:        req.init,
		Sender:      req.sender,
		Address:     addr,
		Amount:      req.amount,
		BlockNumber: block,
		GasLimit:    req.gasLimit,
	})
	if err != nil {
		return p.failed(req, sender, tx, err)
	}

	tx.Receipt.Success = true
	tx.Receipt.CumulativeGas = strconv.FormatUint(res.GasUsed, 10)

	debit := new(uint256.Int).Add(req.amount, fee(res.GasUsed, req.gasPrice))
	return []ledger.AccountDelta{
		senderDelta(req, sender, debit),
		{
			Address: addr,
			Deploy: &ledger.Deployment{
				Code:     req.raw.Code,
				Init:     req.init,
				Deployer: req.sender,
				Block:    block,
			},
			Credit:   req.amount,
			SetState: true,
			State:    res.State,
		},
	}
}

func (p *Processor) invoke(ctx context.Context, req *request, sender, target *types.Account, tx *types.Transaction, block uint64) []ledger.AccountDelta {
	res, err := p.gateway.Invoke(ctx, runtime.InvokeRequest{
		Code:          target.Code,
		Init:          target.Init,
		State:         target.State,
		Balance:       target.Balance,
		Transition:    req.call.Tag,
		Params:        req.call.Params,
		Amount:        req.amount,
		Sender:        req.sender,
		Address:       req.to,
		CreationBlock: target.CreationBlock,
		BlockNumber:   block,
		GasLimit:      req.gasLimit,
	})
	if err != nil {
		return p.failed(req, sender, tx, err)
	}

	payments, err := p.payments(req, target, res)
	if err != nil {
		return p.failed(req, sender, tx, err)
	}

	debit := fee(res.GasUsed, req.gasPrice)
	contract := ledger.AccountDelta{Address: req.to, SetState: true, State: res.State}
	if res.Accepted {
		debit.Add(debit, req.amount)
		contract.Credit = req.amount
	}

	accepted := res.Accepted
	tx.Receipt.Success = true
	tx.Receipt.CumulativeGas = strconv.FormatUint(res.GasUsed, 10)
	tx.Receipt.EventLogs = res.Events
	tx.Receipt.Accepted = &accepted

	deltas := []ledger.AccountDelta{senderDelta(req, sender, debit), contract}
	return append(deltas, payments...)
}

// payments turns the transition's outgoing messages into balance moves.
// Messages to contracts would need chained execution, which is not
// supported, so they fail the transaction.
func (p *Processor) payments(req *request, target *types.Account, res *runtime.InvokeResult) ([]ledger.AccountDelta, error) {
	fail := func(format string, args ...any) error {
		return &runtime.ExecutionError{Reason: fmt.Sprintf(format, args...), GasUsed: res.GasUsed, Metered: true}
	}

	available := new(uint256.Int).Set(target.Balance)
	if res.Accepted {
		available.Add(available, req.amount)
	}

	var deltas []ledger.AccountDelta
	for _, m := range res.Messages {
		recipient, err := p.ledger.GetAccount(m.Recipient)
		switch {
		case err == nil && recipient.IsContract(), m.Recipient == req.to:
			return nil, fail("message %q to contract %s: chain calls are not supported", m.Tag, types.FormatAddress(m.Recipient))
		case err != nil && types.KindOf(err) != types.KindAccountNotFound:
			return nil, fail("load message recipient: %v", err)
		}

		if m.Amount == nil || m.Amount.IsZero() {
			continue
		}
		if available.Lt(m.Amount) {
			return nil, fail("contract balance %s cannot cover payment of %s", available.Dec(), m.Amount.Dec())
		}
		available.Sub(available, m.Amount)
		deltas = append(deltas,
			ledger.AccountDelta{Address: req.to, Debit: m.Amount},
			creditOrCreate(m.Recipient, m.Amount),
		)
	}
	return deltas, nil
}

// failed bills gas for a reverted execution. Nothing but the sender's
// balance and nonce changes.
func (p *Processor) failed(req *request, sender *types.Account, tx *types.Transaction, err error) []ledger.AccountDelta {
	gas := gasCharged(err, req.gasLimit)

	reason := err.Error()
	var execErr *runtime.ExecutionError
	if errors.As(err, &execErr) {
		reason = execErr.Reason
	}

	tx.Receipt.Success = false
	tx.Receipt.CumulativeGas = strconv.FormatUint(gas, 10)
	tx.Receipt.Errors = []types.ReceiptError{{Code: types.KindExecution.Code(), Message: reason}}

	p.log.Debug().Str("tx_id", tx.ID).Str("reason", reason).Uint64("gas", gas).Msg("execution reverted")
	return []ledger.AccountDelta{senderDelta(req, sender, fee(gas, req.gasPrice))}
}
