package runtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"kaya.mini/kaya/internal/types"
)

// Scilla runner input and output documents, shared by the exec and remote
// engines.

const balanceVar = "_balance"

type runnerMessage struct {
	Tag       string        `json:"_tag"`
	Amount    string        `json:"_amount"`
	Sender    string        `json:"_sender,omitempty"`
	Recipient string        `json:"_recipient,omitempty"`
	Params    []types.Value `json:"params"`
}

type runnerEvent struct {
	EventName string        `json:"_eventname"`
	Params    []types.Value `json:"params"`
}

type runnerError struct {
	Message string `json:"error_message"`
}

type runnerOutput struct {
	GasRemaining string          `json:"gas_remaining"`
	Accepted     string          `json:"_accepted"`
	Messages     []runnerMessage `json:"messages"`
	States       []types.Value   `json:"states"`
	Events       []runnerEvent   `json:"events"`
	Errors       []runnerError   `json:"errors"`
}

// runnerInput is everything one runner invocation reads. State and Message
// are nil for deployments.
type runnerInput struct {
	Code       string
	Init       []types.Value
	State      []types.Value
	Message    *runnerMessage
	Blockchain []types.Value
	GasLimit   uint64
}

func hexAddress(a common.Address) string {
	return "0x" + types.FormatAddress(a)
}

// runnerInit appends the implicit contract parameters to the init supplied
// by the deployer. The stored init is never modified.
func runnerInit(init []types.Value, address common.Address, creationBlock uint64) []types.Value {
	out := make([]types.Value, 0, len(init)+2)
	for _, v := range init {
		if v.VName == "_this_address" || v.VName == "_creation_block" {
			continue
		}
		out = append(out, v)
	}
	out = append(out,
		types.StringValue("_this_address", "ByStr20", hexAddress(address)),
		types.StringValue("_creation_block", "BNum", strconv.FormatUint(creationBlock, 10)),
	)
	return out
}

func blockchainInfo(block uint64) []types.Value {
	return []types.Value{types.StringValue("BLOCKNUMBER", "BNum", strconv.FormatUint(block, 10))}
}

func amountString(a *uint256.Int) string {
	if a == nil {
		return "0"
	}
	return a.Dec()
}

func deployInput(req DeployRequest) runnerInput {
	return runnerInput{
		Code:       req.Code,
		Init:       runnerInit(req.Init, req.Address, req.BlockNumber),
		Blockchain: blockchainInfo(req.BlockNumber),
		GasLimit:   req.GasLimit,
	}
}

// invokeInput injects the contract balance into the state the runner sees.
func invokeInput(req InvokeRequest) runnerInput {
	state := make([]types.Value, 0, len(req.State)+1)
	for _, v := range req.State {
		if v.VName != balanceVar {
			state = append(state, v)
		}
	}
	state = append(state, types.StringValue(balanceVar, "Uint128", amountString(req.Balance)))

	return runnerInput{
		Code:  req.Code,
		Init:  runnerInit(req.Init, req.Address, req.CreationBlock),
		State: state,
		Message: &runnerMessage{
			Tag:    req.Transition,
			Amount: amountString(req.Amount),
			Sender: hexAddress(req.Sender),
			Params: nonNil(req.Params),
		},
		Blockchain: blockchainInfo(req.BlockNumber),
		GasLimit:   req.GasLimit,
	}
}

func nonNil(v []types.Value) []types.Value {
	if v == nil {
		return []types.Value{}
	}
	return v
}

func parseOutput(raw []byte) (*runnerOutput, error) {
	var out runnerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ExecutionError{Reason: fmt.Sprintf("malformed runner output: %v", err)}
	}
	return &out, nil
}

// gasUsed derives consumption from gas_remaining. ok is false when the
// runner did not meter the call.
func (o *runnerOutput) gasUsed(limit uint64) (uint64, bool) {
	if o.GasRemaining == "" {
		return 0, false
	}
	remaining, err := strconv.ParseUint(o.GasRemaining, 10, 64)
	if err != nil || remaining > limit {
		return 0, false
	}
	return limit - remaining, true
}

func (o *runnerOutput) failure(limit uint64) error {
	if len(o.Errors) == 0 {
		return nil
	}
	reasons := make([]string, 0, len(o.Errors))
	for _, e := range o.Errors {
		reasons = append(reasons, e.Message)
	}
	used, metered := o.gasUsed(limit)
	return &ExecutionError{Reason: strings.Join(reasons, "; "), GasUsed: used, Metered: metered}
}

func contractState(states []types.Value) []types.Value {
	out := make([]types.Value, 0, len(states))
	for _, v := range states {
		if v.VName != balanceVar {
			out = append(out, v)
		}
	}
	return out
}

func (o *runnerOutput) deployResult(limit uint64) (*DeployResult, error) {
	if err := o.failure(limit); err != nil {
		return nil, err
	}
	used, _ := o.gasUsed(limit)
	return &DeployResult{State: contractState(o.States), GasUsed: used}, nil
}

func (o *runnerOutput) invokeResult(limit uint64, address common.Address) (*InvokeResult, error) {
	if err := o.failure(limit); err != nil {
		return nil, err
	}
	used, _ := o.gasUsed(limit)

	res := &InvokeResult{
		State:    contractState(o.States),
		Accepted: o.Accepted == "true",
		GasUsed:  used,
	}
	for _, e := range o.Events {
		res.Events = append(res.Events, types.Event{
			Address:   types.FormatAddress(address),
			EventName: e.EventName,
			Params:    nonNil(e.Params),
		})
	}
	for _, m := range o.Messages {
		if !common.IsHexAddress(m.Recipient) {
			return nil, &ExecutionError{Reason: fmt.Sprintf("message recipient %q is not an address", m.Recipient), GasUsed: used, Metered: true}
		}
		amount, err := uint256.FromDecimal(defaultZero(m.Amount))
		if err != nil {
			return nil, &ExecutionError{Reason: fmt.Sprintf("message amount %q is not a number", m.Amount), GasUsed: used, Metered: true}
		}
		res.Messages = append(res.Messages, Message{
			Tag:       m.Tag,
			Recipient: common.HexToAddress(m.Recipient),
			Amount:    amount,
			Params:    m.Params,
		})
	}
	return res, nil
}

func defaultZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
