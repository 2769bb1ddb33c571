package rpc

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"kaya.mini/kaya/internal/types"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 reply. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the wire form of a failure.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func errorObject(e *types.Error) *ErrorObject {
	return &ErrorObject{Code: e.Code(), Message: e.Message, Data: e.Data}
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// splitParams accepts a positional array, a single object (treated as the
// only argument) or nothing.
func splitParams(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var params []json.RawMessage
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, types.Errorf(types.KindValidation, "invalid params: %v", err)
		}
		return params, nil
	case '{':
		return []json.RawMessage{raw}, nil
	default:
		return nil, types.Errorf(types.KindValidation, "params must be an array or an object")
	}
}

// paramString returns params[i] as a string. Objects and other JSON values
// are passed on as their compact JSON text.
func paramString(params []json.RawMessage, i int) (string, error) {
	if i >= len(params) {
		return "", types.Errorf(types.KindValidation, "missing parameter %d", i)
	}
	raw := bytes.TrimSpace(params[i])
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", types.Errorf(types.KindValidation, "parameter %d: %v", i, err)
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", types.Errorf(types.KindValidation, "parameter %d: %v", i, err)
	}
	return buf.String(), nil
}

// numericString accepts a decimal string or a bare JSON number.
type numericString string

func (n *numericString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numericString(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*n = numericString(num.String())
	return nil
}

// flexUint accepts an unsigned integer as a JSON number or a decimal string.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	var s numericString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return err
	}
	*f = flexUint(v)
	return nil
}

// jsonText keeps a string as is and any other JSON value as compact text.
type jsonText string

func (t *jsonText) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = jsonText(s)
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return err
	}
	*t = jsonText(buf.String())
	return nil
}

// txParams is the CreateTransaction argument as clients send it.
type txParams struct {
	Version    flexUint      `json:"version"`
	Nonce      flexUint      `json:"nonce"`
	ToAddr     string        `json:"toAddr"`
	SenderAddr string        `json:"senderAddr"`
	PubKey     string        `json:"pubKey"`
	Amount     numericString `json:"amount"`
	GasPrice   numericString `json:"gasPrice"`
	GasLimit   numericString `json:"gasLimit"`
	Code       string        `json:"code"`
	Data       jsonText      `json:"data"`
	Signature  string        `json:"signature"`
	Priority   bool          `json:"priority"`
}

func decodeTxRequest(raw json.RawMessage) (types.TxRequest, error) {
	var p txParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.TxRequest{}, types.Errorf(types.KindValidation, "invalid transaction object: %v", err)
	}
	if uint64(p.Version) > math.MaxUint32 {
		return types.TxRequest{}, types.Errorf(types.KindValidation, "version %d out of range", uint64(p.Version))
	}
	return types.TxRequest{
		Version:    uint32(p.Version),
		Nonce:      uint64(p.Nonce),
		ToAddr:     p.ToAddr,
		SenderAddr: p.SenderAddr,
		PubKey:     p.PubKey,
		Amount:     string(p.Amount),
		GasPrice:   string(p.GasPrice),
		GasLimit:   string(p.GasLimit),
		Code:       p.Code,
		Data:       string(p.Data),
		Signature:  p.Signature,
		Priority:   p.Priority,
	}, nil
}
