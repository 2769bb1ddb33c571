package rpc

// Method is one of the JSON-RPC methods the emulator answers.
type Method int

const (
	MethodGetBalance Method = iota
	MethodGetNetworkID
	MethodGetSmartContractCode
	MethodGetSmartContractState
	MethodGetSmartContractInit
	MethodGetSmartContracts
	MethodCreateTransaction
	MethodGetTransaction
	MethodGetRecentTransactions
	MethodGetContractAddressFromTransactionID
	MethodGetMinimumGasPrice
	MethodKayaMine
	MethodGetNumTxBlocks
	methodCount
)

var methodNames = [methodCount]string{
	MethodGetBalance:                          "GetBalance",
	MethodGetNetworkID:                        "GetNetworkId",
	MethodGetSmartContractCode:                "GetSmartContractCode",
	MethodGetSmartContractState:               "GetSmartContractState",
	MethodGetSmartContractInit:                "GetSmartContractInit",
	MethodGetSmartContracts:                   "GetSmartContracts",
	MethodCreateTransaction:                   "CreateTransaction",
	MethodGetTransaction:                      "GetTransaction",
	MethodGetRecentTransactions:               "GetRecentTransactions",
	MethodGetContractAddressFromTransactionID: "GetContractAddressFromTransactionID",
	MethodGetMinimumGasPrice:                  "GetMinimumGasPrice",
	MethodKayaMine:                            "KayaMine",
	MethodGetNumTxBlocks:                      "GetNumTxBlocks",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, methodCount)
	for i, name := range methodNames {
		m[name] = Method(i)
	}
	return m
}()

// ParseMethod looks up a method by its wire name.
func ParseMethod(name string) (Method, bool) {
	m, ok := methodsByName[name]
	return m, ok
}

func (m Method) String() string {
	if m < 0 || m >= methodCount {
		return "Unknown"
	}
	return methodNames[m]
}

// Methods lists every supported method in declaration order.
func Methods() []Method {
	out := make([]Method, 0, methodCount)
	for m := Method(0); m < methodCount; m++ {
		out = append(out, m)
	}
	return out
}
