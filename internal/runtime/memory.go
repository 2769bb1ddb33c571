package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kaya.mini/kaya/internal/types"
)

// TransitionFunc implements one transition of an in-memory contract.
type TransitionFunc func(req InvokeRequest) (*InvokeResult, error)

// Contract is a Go stand-in for contract code, keyed by the exact code text
// it replaces.
type Contract struct {
	// Constructor returns the initial state. Nil yields an empty state.
	Constructor func(req DeployRequest) ([]types.Value, error)
	Transitions map[string]TransitionFunc
}

// MemoryEngine executes registered Go contracts in process.
type MemoryEngine struct {
	mu        sync.RWMutex
	contracts map[string]Contract

	// Gas charged when a result reports none.
	DeployGas uint64
	InvokeGas uint64
}

// NewMemoryEngine returns an engine with no contracts registered.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		contracts: make(map[string]Contract),
		DeployGas: 50,
		InvokeGas: 10,
	}
}

var _ Runtime = (*MemoryEngine)(nil)

// Register binds code to c, replacing any earlier binding.
func (m *MemoryEngine) Register(code string, c Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[code] = c
}

func (m *MemoryEngine) lookup(code string) (Contract, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[code]
	return c, ok
}

// Deploy runs the registered constructor.
func (m *MemoryEngine) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := m.lookup(req.Code)
	if !ok {
		return nil, &ExecutionError{Reason: "contract code failed to typecheck"}
	}
	if m.DeployGas > req.GasLimit {
		return nil, outOfGas(req.GasLimit)
	}

	state := []types.Value{}
	if c.Constructor != nil {
		s, err := c.Constructor(req)
		if err != nil {
			return nil, m.failed(err, m.DeployGas)
		}
		state = nonNil(s)
	}
	return &DeployResult{State: state, GasUsed: m.DeployGas}, nil
}

// Invoke runs the registered transition.
func (m *MemoryEngine) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := m.lookup(req.Code)
	if !ok {
		return nil, &ExecutionError{Reason: "contract code is not registered"}
	}
	fn, ok := c.Transitions[req.Transition]
	if !ok {
		return nil, &ExecutionError{
			Reason:  fmt.Sprintf("no transition named %s", req.Transition),
			GasUsed: m.InvokeGas,
			Metered: true,
		}
	}
	if m.InvokeGas > req.GasLimit {
		return nil, outOfGas(req.GasLimit)
	}

	res, err := fn(req)
	if err != nil {
		return nil, m.failed(err, m.InvokeGas)
	}
	if res == nil {
		res = &InvokeResult{}
	}
	if res.State == nil {
		res.State = append([]types.Value{}, req.State...)
	}
	if res.GasUsed == 0 {
		res.GasUsed = m.InvokeGas
	}
	for i := range res.Events {
		if res.Events[i].Address == "" {
			res.Events[i].Address = types.FormatAddress(req.Address)
		}
	}
	return res, nil
}

func (m *MemoryEngine) failed(err error, gas uint64) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &ExecutionError{Reason: err.Error(), GasUsed: gas, Metered: true}
}
