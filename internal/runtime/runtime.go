// Package runtime is the boundary between the transaction processor and the
// contract execution engine. Engines implement Runtime; the Gateway bounds
// every call in time and turns every failure into an ExecutionError.
package runtime

//go:generate mockgen -source=runtime.go -destination=runtime_mock.go -package=runtime

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"kaya.mini/kaya/internal/types"
)

// Runtime executes contract code. Implementations must be deterministic in
// their inputs and must not touch the ledger.
type Runtime interface {
	Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error)
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// DeployRequest runs a contract's constructor.
type DeployRequest struct {
	Code        string
	Init        []types.Value
	Sender      common.Address
	Address     common.Address
	Amount      *uint256.Int
	BlockNumber uint64
	GasLimit    uint64
}

// DeployResult carries the initial contract state.
type DeployResult struct {
	State   []types.Value
	GasUsed uint64
}

// InvokeRequest runs one transition of a deployed contract.
type InvokeRequest struct {
	Code          string
	Init          []types.Value
	State         []types.Value
	Balance       *uint256.Int
	Transition    string
	Params        []types.Value
	Amount        *uint256.Int
	Sender        common.Address
	Address       common.Address
	CreationBlock uint64
	BlockNumber   uint64
	GasLimit      uint64
}

// Message is an outgoing message emitted by a transition. Messages with an
// empty or "AddFunds" tag to a plain account are payments.
type Message struct {
	Tag       string
	Recipient common.Address
	Amount    *uint256.Int
	Params    []types.Value
}

// InvokeResult is the outcome of a successful transition.
type InvokeResult struct {
	State    []types.Value
	Events   []types.Event
	Messages []Message
	Accepted bool
	GasUsed  uint64
}

// ExecutionError is a contract failure. GasUsed is meaningful only when
// Metered is set.
type ExecutionError struct {
	Reason  string
	GasUsed uint64
	Metered bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed: %s", e.Reason)
}
