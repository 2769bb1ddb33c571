// Package types defines the core domain models for Kaya. It contains the
// account and transaction records kept by the ledger, the receipt attached
// to every accepted transaction, and the request/response shapes exchanged
// with the RPC layer.
package types

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Version is the current version of Kaya
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// Value is a single Scilla variable as it appears in init, state and
// transition parameter lists.
type Value struct {
	VName string          `json:"vname"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// StringValue builds a Value whose JSON value is a string literal.
func StringValue(vname, typ, value string) Value {
	raw, _ := json.Marshal(value)
	return Value{VName: vname, Type: typ, Value: raw}
}

// Account is a single ledger entry. Contract accounts carry code, init and
// state; plain accounts leave them empty.
type Account struct {
	Address  common.Address `json:"address"`
	Balance  *uint256.Int   `json:"-"`
	Nonce    uint64         `json:"nonce"`
	Code     string         `json:"code,omitempty"`
	Init     []Value        `json:"init,omitempty"`
	State    []Value        `json:"state,omitempty"`
	Deployer common.Address `json:"deployer,omitempty"`

	// CreationBlock is the block height at which the contract was deployed.
	CreationBlock uint64 `json:"creationBlock,omitempty"`
}

// IsContract reports whether code was deployed at this account.
func (a *Account) IsContract() bool {
	return a.Code != ""
}

// Copy returns a deep copy safe to hand out to callers.
func (a *Account) Copy() *Account {
	cp := *a
	if a.Balance != nil {
		cp.Balance = new(uint256.Int).Set(a.Balance)
	} else {
		cp.Balance = new(uint256.Int)
	}
	cp.Init = copyValues(a.Init)
	cp.State = copyValues(a.State)
	return &cp
}

// copyValues keeps the distinction between an unset (nil) list and an
// empty one.
func copyValues(v []Value) []Value {
	if v == nil {
		return nil
	}
	return append([]Value{}, v...)
}

// TxKind classifies an accepted transaction.
type TxKind string

const (
	TxTransfer TxKind = "transfer"
	TxDeploy   TxKind = "deploy"
	TxInvoke   TxKind = "invoke"
)

// TxRequest is the CreateTransaction payload. Numeric fields arrive as
// decimal strings.
type TxRequest struct {
	Version    uint32 `json:"version"`
	Nonce      uint64 `json:"nonce"`
	ToAddr     string `json:"toAddr"`
	SenderAddr string `json:"senderAddr,omitempty"`
	PubKey     string `json:"pubKey"`
	Amount     string `json:"amount"`
	GasPrice   string `json:"gasPrice"`
	GasLimit   string `json:"gasLimit"`
	Code       string `json:"code,omitempty"`
	Data       string `json:"data,omitempty"`
	Signature  string `json:"signature,omitempty"`

	// Priority is accepted from clients and ignored: transactions are
	// processed in arrival order.
	Priority bool `json:"priority,omitempty"`
}

// CallData is the decoded Data field of a contract invocation.
type CallData struct {
	Tag    string  `json:"_tag"`
	Params []Value `json:"params"`
}

// Event is a contract event recorded in a receipt.
type Event struct {
	Address   string  `json:"address"`
	EventName string  `json:"_eventname"`
	Params    []Value `json:"params"`
}

// ReceiptError is a failure recorded on a finalized transaction.
type ReceiptError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Receipt is the immutable outcome of an accepted transaction.
type Receipt struct {
	Success       bool           `json:"success"`
	CumulativeGas string         `json:"cumulative_gas"`
	EpochNum      string         `json:"epoch_num"`
	EventLogs     []Event        `json:"event_logs,omitempty"`
	Errors        []ReceiptError `json:"errors,omitempty"`
	Accepted      *bool          `json:"accepted,omitempty"`
}

// Transaction is an accepted, finalized transaction as stored in the log.
type Transaction struct {
	ID              string  `json:"ID"`
	Kind            TxKind  `json:"kind"`
	Version         string  `json:"version"`
	Nonce           string  `json:"nonce"`
	ToAddr          string  `json:"toAddr"`
	SenderAddr      string  `json:"senderAddr"`
	SenderPubKey    string  `json:"senderPubKey,omitempty"`
	Amount          string  `json:"amount"`
	GasPrice        string  `json:"gasPrice"`
	GasLimit        string  `json:"gasLimit"`
	Code            string  `json:"code,omitempty"`
	Data            string  `json:"data,omitempty"`
	Signature       string  `json:"signature,omitempty"`
	ContractAddress string  `json:"contractAddress,omitempty"`
	Receipt         Receipt `json:"receipt"`
}

// SubmitResult is returned for every accepted transaction.
type SubmitResult struct {
	Info            string `json:"Info"`
	TranID          string `json:"TranID"`
	ContractAddress string `json:"ContractAddress,omitempty"`
}

// RecentTransactions is the bounded, newest-first view of the log.
type RecentTransactions struct {
	TxnHashes []string `json:"TxnHashes"`
	Number    int      `json:"number"`
}

// ContractSummary pairs a contract address with its current state.
type ContractSummary struct {
	Address string  `json:"address"`
	State   []Value `json:"state"`
}

// BalanceResult is the GetBalance response.
type BalanceResult struct {
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}
