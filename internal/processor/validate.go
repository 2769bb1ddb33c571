package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"kaya.mini/kaya/internal/types"
	"kaya.mini/kaya/internal/wallet"
)

// request is a CreateTransaction payload after classification and parsing.
type request struct {
	raw      types.TxRequest
	kind     types.TxKind
	sender   common.Address
	to       common.Address
	amount   *uint256.Int
	gasPrice *uint256.Int
	gasLimit uint64
	init     []types.Value
	call     types.CallData
}

func isZeroAddr(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strings.Trim(s, "0") == ""
}

// classify decides what kind of transaction req is.
func classify(req types.TxRequest) (types.TxKind, error) {
	if isZeroAddr(req.ToAddr) {
		if req.Code == "" {
			return "", types.Errorf(types.KindValidation, "contract creation requires code")
		}
		return types.TxDeploy, nil
	}
	if req.Code != "" {
		return "", types.Errorf(types.KindValidation, "code can only be sent to the zero address")
	}
	if hasTag(req.Data) {
		return types.TxInvoke, nil
	}
	return types.TxTransfer, nil
}

func hasTag(data string) bool {
	if data == "" {
		return false
	}
	var probe struct {
		Tag *string `json:"_tag"`
	}
	return json.Unmarshal([]byte(data), &probe) == nil && probe.Tag != nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, types.Errorf(types.KindValidation, "%s is required", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, types.Errorf(types.KindValidation, "%s %q is not a non-negative integer", field, s)
	}
	return v, nil
}

// resolveSender takes the sender from senderAddr or derives it from pubKey.
// When both are present they must agree.
func resolveSender(req types.TxRequest) (common.Address, error) {
	var (
		addr    common.Address
		hasAddr bool
	)
	if req.SenderAddr != "" {
		a, err := types.ParseAddress(req.SenderAddr)
		if err != nil {
			return common.Address{}, err
		}
		addr, hasAddr = a, true
	}
	if req.PubKey != "" {
		derived, err := wallet.AddressFromPubKeyHex(req.PubKey)
		if err != nil {
			return common.Address{}, err
		}
		if hasAddr && derived != addr {
			return common.Address{}, types.Errorf(types.KindValidation, "pubKey does not match senderAddr")
		}
		return derived, nil
	}
	if !hasAddr {
		return common.Address{}, types.Errorf(types.KindValidation, "sender is required: set senderAddr or pubKey")
	}
	return addr, nil
}

// parse runs every check that needs no ledger access.
func (p *Processor) parse(raw types.TxRequest) (*request, error) {
	kind, err := classify(raw)
	if err != nil {
		return nil, err
	}
	r := &request{raw: raw, kind: kind}

	if r.sender, err = resolveSender(raw); err != nil {
		return nil, err
	}
	if raw.Version != 0 && raw.Version != p.opts.Version {
		return nil, types.NewError(types.KindValidation, map[string]uint32{
			"expected": p.opts.Version,
			"got":      raw.Version,
		}, "version mismatch")
	}
	if kind != types.TxDeploy {
		if r.to, err = types.ParseAddress(raw.ToAddr); err != nil {
			return nil, err
		}
	}

	if r.amount, err = parseAmount("amount", raw.Amount); err != nil {
		return nil, err
	}
	if r.gasPrice, err = parseAmount("gasPrice", raw.GasPrice); err != nil {
		return nil, err
	}
	if raw.GasLimit == "" {
		return nil, types.Errorf(types.KindValidation, "gasLimit is required")
	}
	if r.gasLimit, err = strconv.ParseUint(raw.GasLimit, 10, 64); err != nil {
		return nil, types.Errorf(types.KindValidation, "gasLimit %q is not a non-negative integer", raw.GasLimit)
	}

	if r.gasPrice.Lt(p.opts.MinGasPrice) {
		return nil, types.NewError(types.KindValidation, map[string]string{
			"minimum": p.opts.MinGasPrice.Dec(),
			"got":     r.gasPrice.Dec(),
		}, "gas price lower than minimum allowable")
	}
	if base := p.baseGas(kind); r.gasLimit < base {
		return nil, types.Errorf(types.KindValidation, "gas limit %d is below the base cost %d", r.gasLimit, base)
	}

	switch kind {
	case types.TxDeploy:
		r.init = []types.Value{}
		if raw.Data != "" {
			if err := json.Unmarshal([]byte(raw.Data), &r.init); err != nil {
				return nil, types.Errorf(types.KindValidation, "data of a contract creation must be an init array: %v", err)
			}
		}
	case types.TxInvoke:
		if err := json.Unmarshal([]byte(raw.Data), &r.call); err != nil {
			return nil, types.Errorf(types.KindValidation, "malformed call data: %v", err)
		}
		if r.call.Tag == "" {
			return nil, types.Errorf(types.KindValidation, "call data has an empty _tag")
		}
		if r.call.Params == nil {
			r.call.Params = []types.Value{}
		}
	}
	return r, nil
}

func (p *Processor) baseGas(kind types.TxKind) uint64 {
	switch kind {
	case types.TxDeploy:
		return p.opts.DeployGas
	case types.TxInvoke:
		return p.opts.InvokeGas
	default:
		return p.opts.TransferGas
	}
}

// gasCost returns gas*price.
func gasCost(gas uint64, price *uint256.Int) (*uint256.Int, bool) {
	return new(uint256.Int).MulOverflow(uint256.NewInt(gas), price)
}

// maxCost is what the sender must be able to afford up front.
func (r *request) maxCost() (*uint256.Int, error) {
	fee, overflow := gasCost(r.gasLimit, r.gasPrice)
	if overflow {
		return nil, types.Errorf(types.KindValidation, "gasLimit * gasPrice overflows")
	}
	total, overflow := new(uint256.Int).AddOverflow(fee, r.amount)
	if overflow {
		return nil, types.Errorf(types.KindValidation, "amount + gas overflows")
	}
	return total, nil
}

// txID hashes the canonical request fields.
func (r *request) txID() string {
	canonical := struct {
		Version  uint32 `json:"version"`
		Nonce    uint64 `json:"nonce"`
		ToAddr   string `json:"toAddr"`
		Sender   string `json:"sender"`
		PubKey   string `json:"pubKey"`
		Amount   string `json:"amount"`
		GasPrice string `json:"gasPrice"`
		GasLimit uint64 `json:"gasLimit"`
		Code     string `json:"code"`
		Data     string `json:"data"`
	}{
		Version:  r.raw.Version,
		Nonce:    r.raw.Nonce,
		ToAddr:   types.FormatAddress(r.to),
		Sender:   types.FormatAddress(r.sender),
		PubKey:   strings.ToLower(r.raw.PubKey),
		Amount:   r.amount.Dec(),
		GasPrice: r.gasPrice.Dec(),
		GasLimit: r.gasLimit,
		Code:     r.raw.Code,
		Data:     r.raw.Data,
	}
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
