// Package rpc exposes the emulator over JSON-RPC 2.0. Requests are
// dispatched through a closed set of methods to typed handlers; every
// failure leaves as a (code, message, data) error object.
package rpc

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog"

	"kaya.mini/kaya/internal/ledger"
	"kaya.mini/kaya/internal/types"
)

// TxProcessor accepts transactions and answers transaction queries.
type TxProcessor interface {
	Submit(ctx context.Context, req types.TxRequest) (*types.SubmitResult, error)
	GetTransaction(id string) (*types.Transaction, error)
	GetRecentTransactions() *types.RecentTransactions
	GetContractAddressByTransactionID(id string) (string, error)
}

// BlockCounter is the mock block height.
type BlockCounter interface {
	Current() uint64
	Mine() uint64
}

// Options carries the chain constants reported to clients.
type Options struct {
	ChainID     uint32
	MinGasPrice string
}

type handler func(s *Service, ctx context.Context, params []json.RawMessage) (any, error)

var handlers = [methodCount]handler{
	MethodGetBalance:                          (*Service).getBalance,
	MethodGetNetworkID:                        (*Service).getNetworkID,
	MethodGetSmartContractCode:                (*Service).getSmartContractCode,
	MethodGetSmartContractState:               (*Service).getSmartContractState,
	MethodGetSmartContractInit:                (*Service).getSmartContractInit,
	MethodGetSmartContracts:                   (*Service).getSmartContracts,
	MethodCreateTransaction:                   (*Service).createTransaction,
	MethodGetTransaction:                      (*Service).getTransaction,
	MethodGetRecentTransactions:               (*Service).getRecentTransactions,
	MethodGetContractAddressFromTransactionID: (*Service).getContractAddress,
	MethodGetMinimumGasPrice:                  (*Service).getMinimumGasPrice,
	MethodKayaMine:                            (*Service).kayaMine,
	MethodGetNumTxBlocks:                      (*Service).getNumTxBlocks,
}

// Service maps JSON-RPC methods onto the core.
type Service struct {
	ledger ledger.Reader
	proc   TxProcessor
	blocks BlockCounter
	opts   Options
	log    zerolog.Logger
}

// NewService creates a new RPC service
func NewService(l ledger.Reader, proc TxProcessor, blocks BlockCounter, opts Options, log zerolog.Logger) *Service {
	if opts.MinGasPrice == "" {
		opts.MinGasPrice = "0"
	}
	return &Service{
		ledger: l,
		proc:   proc,
		blocks: blocks,
		opts:   opts,
		log:    log.With().Str("component", "rpc").Logger(),
	}
}

// Dispatch runs one request and always produces a response.
func (s *Service) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: jsonrpcVersion, ID: responseID(req.ID)}
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = &s.log
	}

	m, ok := ParseMethod(req.Method)
	if !ok {
		resp.Error = errorObject(types.Errorf(types.KindUnsupportedMethod, "method %q not found", req.Method))
		return resp
	}

	result, err := s.call(ctx, m, req.Params)
	if err != nil {
		e := types.AsError(err)
		if e.Kind == types.KindInternal {
			log.Error().Err(err).Str("method", m.String()).Msg("request failed")
		} else {
			log.Debug().Str("method", m.String()).Str("kind", e.Kind.String()).Msg(e.Message)
		}
		resp.Error = errorObject(e)
		return resp
	}
	log.Debug().Str("method", m.String()).Msg("request served")
	resp.Result = result
	return resp
}

func (s *Service) call(ctx context.Context, m Method, raw json.RawMessage) (any, error) {
	params, err := splitParams(raw)
	if err != nil {
		return nil, err
	}
	return handlers[m](s, ctx, params)
}

func (s *Service) getBalance(_ context.Context, params []json.RawMessage) (any, error) {
	raw, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	bal, nonce, err := s.ledger.GetBalance(addr)
	if err != nil {
		return nil, err
	}
	return types.BalanceResult{Balance: bal.Dec(), Nonce: nonce}, nil
}

func (s *Service) getNetworkID(context.Context, []json.RawMessage) (any, error) {
	return strconv.FormatUint(uint64(s.opts.ChainID), 10), nil
}

func (s *Service) contractField(params []json.RawMessage, field ledger.Field) (any, error) {
	raw, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	return s.ledger.GetContractField(addr, field)
}

func (s *Service) getSmartContractCode(_ context.Context, params []json.RawMessage) (any, error) {
	code, err := s.contractField(params, ledger.FieldCode)
	if err != nil {
		return nil, err
	}
	return map[string]any{"code": code}, nil
}

func (s *Service) getSmartContractState(_ context.Context, params []json.RawMessage) (any, error) {
	return s.contractField(params, ledger.FieldState)
}

func (s *Service) getSmartContractInit(_ context.Context, params []json.RawMessage) (any, error) {
	return s.contractField(params, ledger.FieldInit)
}

func (s *Service) getSmartContracts(_ context.Context, params []json.RawMessage) (any, error) {
	raw, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	deployer, err := types.ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListContractsByDeployer(deployer)
}

func (s *Service) createTransaction(ctx context.Context, params []json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, types.Errorf(types.KindValidation, "missing transaction object")
	}
	req, err := decodeTxRequest(params[0])
	if err != nil {
		return nil, err
	}
	return s.proc.Submit(ctx, req)
}

func (s *Service) getTransaction(_ context.Context, params []json.RawMessage) (any, error) {
	id, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	return s.proc.GetTransaction(id)
}

func (s *Service) getRecentTransactions(context.Context, []json.RawMessage) (any, error) {
	return s.proc.GetRecentTransactions(), nil
}

func (s *Service) getContractAddress(_ context.Context, params []json.RawMessage) (any, error) {
	id, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	return s.proc.GetContractAddressByTransactionID(id)
}

func (s *Service) getMinimumGasPrice(context.Context, []json.RawMessage) (any, error) {
	return s.opts.MinGasPrice, nil
}

func (s *Service) kayaMine(context.Context, []json.RawMessage) (any, error) {
	return strconv.FormatUint(s.blocks.Mine(), 10), nil
}

func (s *Service) getNumTxBlocks(context.Context, []json.RawMessage) (any, error) {
	return strconv.FormatUint(s.blocks.Current(), 10), nil
}
