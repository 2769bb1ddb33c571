package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"kaya.mini/kaya/internal/chain"
	"kaya.mini/kaya/internal/ledger"
	"kaya.mini/kaya/internal/runtime"
	"kaya.mini/kaya/internal/txlog"
	"kaya.mini/kaya/internal/types"
	"kaya.mini/kaya/internal/wallet"
)

const testVersion = 111<<16 | 1

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

type env struct {
	proc    *Processor
	store   *ledger.Store
	counter *chain.Counter
	txs     *txlog.Log
}

func setupTest(t *testing.T, rt runtime.Runtime, opts Options) *env {
	t.Helper()

	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"), 64, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.LoadAccounts([]*types.Account{
		{Address: alice, Balance: uint256.NewInt(1000)},
		{Address: carol, Balance: uint256.NewInt(1_000_000)},
	}))

	txs, err := txlog.Open("", 10, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { txs.Close() })

	if rt == nil {
		rt = testEngine()
	}
	counter := chain.NewCounter(0, 1)
	opts.Version = testVersion
	proc := New(store, runtime.NewGateway(rt, time.Second, zerolog.Nop()), counter, txs, opts, zerolog.Nop())

	return &env{proc: proc, store: store, counter: counter, txs: txs}
}

func (e *env) balance(t *testing.T, addr common.Address) (string, uint64) {
	t.Helper()
	bal, nonce, err := e.store.GetBalance(addr)
	require.NoError(t, err)
	return bal.Dec(), nonce
}

func hexAddr(a common.Address) string {
	return "0x" + types.FormatAddress(a)
}

func transferReq(from, to common.Address, amount string, nonce uint64) types.TxRequest {
	return types.TxRequest{
		Version:    testVersion,
		Nonce:      nonce,
		ToAddr:     hexAddr(to),
		SenderAddr: types.FormatAddress(from),
		Amount:     amount,
		GasPrice:   "0",
		GasLimit:   "1",
	}
}

func deployReq(from common.Address, code string, nonce uint64, init []types.Value) types.TxRequest {
	data, _ := json.Marshal(init)
	return types.TxRequest{
		Version:    testVersion,
		Nonce:      nonce,
		ToAddr:     "0x0000000000000000000000000000000000000000",
		SenderAddr: types.FormatAddress(from),
		Amount:     "0",
		GasPrice:   "1",
		GasLimit:   "100",
		Code:       code,
		Data:       string(data),
	}
}

func invokeReq(from, contract common.Address, tag, amount string, nonce uint64) types.TxRequest {
	data, _ := json.Marshal(types.CallData{Tag: tag, Params: []types.Value{}})
	return types.TxRequest{
		Version:    testVersion,
		Nonce:      nonce,
		ToAddr:     hexAddr(contract),
		SenderAddr: types.FormatAddress(from),
		Amount:     amount,
		GasPrice:   "1",
		GasLimit:   "20",
		Data:       string(data),
	}
}

const counterCode = "scilla_version 0\ncontract Counter()"

func testEngine() *runtime.MemoryEngine {
	engine := runtime.NewMemoryEngine()
	engine.Register(counterCode, runtime.Contract{
		Constructor: func(req runtime.DeployRequest) ([]types.Value, error) {
			return []types.Value{types.StringValue("count", "Uint32", "0")}, nil
		},
		Transitions: map[string]runtime.TransitionFunc{
			"Increment": func(req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
				return &runtime.InvokeResult{
					State:  []types.Value{types.StringValue("count", "Uint32", "1")},
					Events: []types.Event{{EventName: "Incremented", Params: []types.Value{}}},
				}, nil
			},
			"Donate": func(req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
				return &runtime.InvokeResult{Accepted: true}, nil
			},
			"Pay": func(req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
				return &runtime.InvokeResult{Messages: []runtime.Message{
					{Recipient: bob, Amount: uint256.NewInt(30)},
				}}, nil
			},
			"Overpay": func(req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
				return &runtime.InvokeResult{Messages: []runtime.Message{
					{Recipient: bob, Amount: new(uint256.Int).Add(req.Balance, uint256.NewInt(1))},
				}}, nil
			},
			"CallSelf": func(req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
				return &runtime.InvokeResult{Messages: []runtime.Message{
					{Tag: "Increment", Recipient: req.Address, Amount: new(uint256.Int)},
				}}, nil
			},
			"Fail": func(req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
				return nil, errors.New("assertion failed")
			},
		},
	})
	return engine
}

func deployCounter(t *testing.T, e *env, nonce uint64) common.Address {
	t.Helper()
	res, err := e.proc.Submit(context.Background(), deployReq(carol, counterCode, nonce, nil))
	require.NoError(t, err)
	require.NotEmpty(t, res.ContractAddress)
	return common.HexToAddress(res.ContractAddress)
}

func TestTransferMovesFundsAndCreatesRecipient(t *testing.T) {
	e := setupTest(t, nil, Options{})

	res, err := e.proc.Submit(context.Background(), transferReq(alice, bob, "100", 1))
	require.NoError(t, err)
	require.Equal(t, infoTransfer, res.Info)
	require.Len(t, res.TranID, 64)

	bal, nonce := e.balance(t, alice)
	require.Equal(t, "900", bal)
	require.Equal(t, uint64(1), nonce)

	bal, nonce = e.balance(t, bob)
	require.Equal(t, "100", bal)
	require.Equal(t, uint64(0), nonce)

	tx, err := e.proc.GetTransaction("0x" + res.TranID)
	require.NoError(t, err)
	require.True(t, tx.Receipt.Success)
	require.Equal(t, types.TxTransfer, tx.Kind)

	recent := e.proc.GetRecentTransactions()
	require.Equal(t, []string{res.TranID}, recent.TxnHashes)
	require.Equal(t, 1, recent.Number)
}

func TestTransferChargesBaseGas(t *testing.T) {
	e := setupTest(t, nil, Options{})
	req := transferReq(alice, bob, "100", 1)
	req.GasPrice = "2"
	req.GasLimit = "10"

	res, err := e.proc.Submit(context.Background(), req)
	require.NoError(t, err)

	bal, _ := e.balance(t, alice)
	require.Equal(t, "898", bal)

	tx, err := e.proc.GetTransaction(res.TranID)
	require.NoError(t, err)
	require.Equal(t, "1", tx.Receipt.CumulativeGas)
}

func TestRejectionsLeaveLedgerUntouched(t *testing.T) {
	e := setupTest(t, nil, Options{MinGasPrice: uint256.NewInt(1000)})

	cases := map[string]struct {
		mutate func(*types.TxRequest)
		kind   types.ErrorKind
	}{
		"gas price below minimum": {func(r *types.TxRequest) { r.GasPrice = "1" }, types.KindValidation},
		"empty amount":            {func(r *types.TxRequest) { r.Amount = "" }, types.KindValidation},
		"negative amount":         {func(r *types.TxRequest) { r.Amount = "-5" }, types.KindValidation},
		"gas limit below base":    {func(r *types.TxRequest) { r.GasLimit = "0" }, types.KindValidation},
		"bad recipient":           {func(r *types.TxRequest) { r.ToAddr = "0x1234" }, types.KindValidation},
		"no sender":               {func(r *types.TxRequest) { r.SenderAddr = "" }, types.KindValidation},
		"wrong version":           {func(r *types.TxRequest) { r.Version = 65537 }, types.KindValidation},
		"zero address no code":    {func(r *types.TxRequest) { r.ToAddr = "0x" + types.FormatAddress(common.Address{}) }, types.KindValidation},
		"code to non-zero":        {func(r *types.TxRequest) { r.Code = "scilla_version 0" }, types.KindValidation},
		"nonce too high":          {func(r *types.TxRequest) { r.Nonce = 2 }, types.KindNonceMismatch},
		"nonce reused":            {func(r *types.TxRequest) { r.Nonce = 0 }, types.KindNonceMismatch},
		"amount above balance":    {func(r *types.TxRequest) { r.Amount = "1000" }, types.KindInsufficientBalance},
		"unknown sender":          {func(r *types.TxRequest) { r.SenderAddr = types.FormatAddress(bob) }, types.KindAccountNotFound},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := transferReq(alice, bob, "100", 1)
			req.GasPrice = "1000"
			tc.mutate(&req)

			_, err := e.proc.Submit(context.Background(), req)
			require.Equal(t, tc.kind, types.KindOf(err), "got %v", err)

			bal, nonce := e.balance(t, alice)
			require.Equal(t, "1000", bal)
			require.Zero(t, nonce)
		})
	}

	require.Zero(t, e.txs.Count())
	_, _, err := e.store.GetBalance(bob)
	require.Equal(t, types.KindAccountNotFound, types.KindOf(err))
}

func TestReplayIsRejected(t *testing.T) {
	e := setupTest(t, nil, Options{})
	req := transferReq(alice, bob, "10", 1)

	_, err := e.proc.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = e.proc.Submit(context.Background(), req)
	require.Equal(t, types.KindNonceMismatch, types.KindOf(err))

	bal, nonce := e.balance(t, alice)
	require.Equal(t, "990", bal)
	require.Equal(t, uint64(1), nonce)
	require.Equal(t, uint64(1), e.txs.Count())
}

func TestSenderFromPublicKey(t *testing.T) {
	e := setupTest(t, nil, Options{})
	accts, err := wallet.Generate(1, uint256.NewInt(500))
	require.NoError(t, err)
	require.NoError(t, e.store.LoadAccounts(wallet.LedgerAccounts(accts)))

	req := transferReq(accts[0].Address, bob, "5", 1)
	req.SenderAddr = ""
	req.PubKey = accts[0].PublicKeyHex()

	_, err = e.proc.Submit(context.Background(), req)
	require.NoError(t, err)

	bal, _ := e.balance(t, accts[0].Address)
	require.Equal(t, "495", bal)

	req.Nonce = 2
	req.SenderAddr = types.FormatAddress(alice)
	_, err = e.proc.Submit(context.Background(), req)
	require.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestDeployStoresInitAsGiven(t *testing.T) {
	e := setupTest(t, nil, Options{})
	e.counter.Mine()
	e.counter.Mine()

	init := []types.Value{
		types.StringValue("_scilla_version", "Uint32", "0"),
		types.StringValue("owner", "ByStr20", hexAddr(carol)),
	}
	res, err := e.proc.Submit(context.Background(), deployReq(carol, counterCode, 1, init))
	require.NoError(t, err)
	require.Equal(t, infoDeploy, res.Info)

	addr := types.ContractAddress(carol, 0)
	require.Equal(t, types.FormatAddress(addr), res.ContractAddress)

	got, err := e.store.GetContractField(addr, ledger.FieldInit)
	require.NoError(t, err)
	require.Equal(t, init, got)

	state, err := e.store.GetContractField(addr, ledger.FieldState)
	require.NoError(t, err)
	require.Len(t, state, 1)

	fromID, err := e.proc.GetContractAddressByTransactionID(res.TranID)
	require.NoError(t, err)
	require.Equal(t, res.ContractAddress, fromID)

	tx, err := e.proc.GetTransaction(res.TranID)
	require.NoError(t, err)
	require.Equal(t, "2", tx.Receipt.EpochNum)
	require.Equal(t, "50", tx.Receipt.CumulativeGas)

	bal, nonce := e.balance(t, carol)
	require.Equal(t, "999950", bal)
	require.Equal(t, uint64(1), nonce)

	contracts, err := e.store.ListContractsByDeployer(carol)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
}

func TestDeployAddressUsesNonceBeforeTransaction(t *testing.T) {
	e := setupTest(t, nil, Options{})
	dave := common.HexToAddress("0x6666666666666666666666666666666666666666")
	require.NoError(t, e.store.LoadAccounts([]*types.Account{
		{Address: dave, Balance: uint256.NewInt(1000), Nonce: 2},
	}))

	res, err := e.proc.Submit(context.Background(), deployReq(dave, counterCode, 3, nil))
	require.NoError(t, err)
	require.Equal(t, types.FormatAddress(types.ContractAddress(dave, 2)), res.ContractAddress)

	_, nonce := e.balance(t, dave)
	require.Equal(t, uint64(3), nonce)
}

func TestFailedDeployChargesGasLimit(t *testing.T) {
	e := setupTest(t, nil, Options{})

	req := deployReq(carol, "not a registered contract", 1, nil)
	req.GasLimit = "60"
	res, err := e.proc.Submit(context.Background(), req)
	require.NoError(t, err)

	tx, err := e.proc.GetTransaction(res.TranID)
	require.NoError(t, err)
	require.False(t, tx.Receipt.Success)
	require.NotEmpty(t, tx.Receipt.Errors)
	require.Equal(t, "60", tx.Receipt.CumulativeGas)

	bal, nonce := e.balance(t, carol)
	require.Equal(t, "999940", bal)
	require.Equal(t, uint64(1), nonce)

	_, err = e.proc.GetContractAddressByTransactionID(res.TranID)
	require.Equal(t, types.KindContractNotFound, types.KindOf(err))

	_, err = e.store.GetContractField(common.HexToAddress(res.ContractAddress), ledger.FieldCode)
	require.Equal(t, types.KindContractNotFound, types.KindOf(err))
}

func TestDeployRejectsMalformedInit(t *testing.T) {
	e := setupTest(t, nil, Options{})
	req := deployReq(carol, counterCode, 1, nil)
	req.Data = `{"not": "an array"}`

	_, err := e.proc.Submit(context.Background(), req)
	require.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestInvokeUpdatesStateAndEmitsEvents(t *testing.T) {
	e := setupTest(t, nil, Options{})
	contract := deployCounter(t, e, 1)

	res, err := e.proc.Submit(context.Background(), invokeReq(carol, contract, "Increment", "0", 2))
	require.NoError(t, err)
	require.Equal(t, infoInvoke, res.Info)

	tx, err := e.proc.GetTransaction(res.TranID)
	require.NoError(t, err)
	require.True(t, tx.Receipt.Success)
	require.Len(t, tx.Receipt.EventLogs, 1)
	require.Equal(t, types.FormatAddress(contract), tx.Receipt.EventLogs[0].Address)

	state, err := e.store.GetContractField(contract, ledger.FieldState)
	require.NoError(t, err)
	require.Equal(t, `"1"`, string(state.([]types.Value)[0].Value))

	_, err = e.proc.GetContractAddressByTransactionID(res.TranID)
	require.Equal(t, types.KindNotADeployment, types.KindOf(err))
}

func TestInvokeMovesAmountOnlyWhenAccepted(t *testing.T) {
	e := setupTest(t, nil, Options{})
	contract := deployCounter(t, e, 1)

	_, err := e.proc.Submit(context.Background(), invokeReq(carol, contract, "Increment", "100", 2))
	require.NoError(t, err)
	bal, _ := e.balance(t, contract)
	require.Equal(t, "0", bal)
	bal, _ = e.balance(t, carol)
	require.Equal(t, "999940", bal)

	_, err = e.proc.Submit(context.Background(), invokeReq(carol, contract, "Donate", "100", 3))
	require.NoError(t, err)
	bal, _ = e.balance(t, contract)
	require.Equal(t, "100", bal)
	bal, _ = e.balance(t, carol)
	require.Equal(t, "999830", bal)
}

func TestInvokePaymentCreatesRecipient(t *testing.T) {
	e := setupTest(t, nil, Options{})
	contract := deployCounter(t, e, 1)

	_, err := e.proc.Submit(context.Background(), invokeReq(carol, contract, "Donate", "100", 2))
	require.NoError(t, err)
	_, err = e.proc.Submit(context.Background(), invokeReq(carol, contract, "Pay", "0", 3))
	require.NoError(t, err)

	bal, _ := e.balance(t, contract)
	require.Equal(t, "70", bal)
	bal, nonce := e.balance(t, bob)
	require.Equal(t, "30", bal)
	require.Zero(t, nonce)
}

func TestRevertedInvokeChargesGasOnly(t *testing.T) {
	e := setupTest(t, nil, Options{})
	contract := deployCounter(t, e, 1)
	before, err := e.store.GetContractField(contract, ledger.FieldState)
	require.NoError(t, err)

	for i, tag := range []string{"Fail", "Overpay", "CallSelf"} {
		res, err := e.proc.Submit(context.Background(), invokeReq(carol, contract, tag, "100", uint64(i+2)))
		require.NoError(t, err, tag)

		tx, err := e.proc.GetTransaction(res.TranID)
		require.NoError(t, err)
		require.False(t, tx.Receipt.Success, tag)
		require.Equal(t, "10", tx.Receipt.CumulativeGas, tag)
	}

	after, err := e.store.GetContractField(contract, ledger.FieldState)
	require.NoError(t, err)
	require.Equal(t, before, after)

	bal, nonce := e.balance(t, carol)
	require.Equal(t, "999920", bal)
	require.Equal(t, uint64(4), nonce)

	bal, _ = e.balance(t, contract)
	require.Equal(t, "0", bal)
	_, _, err = e.store.GetBalance(bob)
	require.Equal(t, types.KindAccountNotFound, types.KindOf(err))
}

func TestInvokeOfPlainAccountIsRejected(t *testing.T) {
	e := setupTest(t, nil, Options{})

	for _, to := range []common.Address{alice, bob} {
		_, err := e.proc.Submit(context.Background(), invokeReq(carol, to, "Increment", "0", 1))
		require.Equal(t, types.KindContractNotFound, types.KindOf(err))
	}
	_, nonce := e.balance(t, carol)
	require.Zero(t, nonce)
}

func TestUnknownTransaction(t *testing.T) {
	e := setupTest(t, nil, Options{})

	_, err := e.proc.GetTransaction("deadbeef")
	require.Equal(t, types.KindTransactionNotFound, types.KindOf(err))

	_, err = e.proc.GetContractAddressByTransactionID("deadbeef")
	require.Equal(t, types.KindTransactionNotFound, types.KindOf(err))
}

func TestDeployRequestReachesRuntime(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := runtime.NewMockRuntime(ctrl)
	e := setupTest(t, rt, Options{})
	e.counter.Mine()

	init := []types.Value{types.StringValue("_scilla_version", "Uint32", "0")}
	rt.EXPECT().Deploy(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req runtime.DeployRequest) (*runtime.DeployResult, error) {
			require.Equal(t, carol, req.Sender)
			require.Equal(t, types.ContractAddress(carol, 0), req.Address)
			require.Equal(t, uint64(1), req.BlockNumber)
			require.Equal(t, uint64(100), req.GasLimit)
			require.Equal(t, init, req.Init)
			return &runtime.DeployResult{State: []types.Value{}, GasUsed: 70}, nil
		})

	_, err := e.proc.Submit(context.Background(), deployReq(carol, "any code", 1, init))
	require.NoError(t, err)

	bal, _ := e.balance(t, carol)
	require.Equal(t, "999930", bal)
}

// slowEngine delays every invocation.
type slowEngine struct {
	runtime.Runtime
	delay time.Duration
}

func (s slowEngine) Invoke(ctx context.Context, req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
	time.Sleep(s.delay)
	return s.Runtime.Invoke(ctx, req)
}

func TestCallerCancellationDoesNotRevertExecution(t *testing.T) {
	e := setupTest(t, slowEngine{Runtime: testEngine(), delay: 200 * time.Millisecond}, Options{})
	contract := deployCounter(t, e, 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()

	res, err := e.proc.Submit(ctx, invokeReq(carol, contract, "Increment", "0", 2))
	require.NoError(t, err)

	tx, err := e.proc.GetTransaction(res.TranID)
	require.NoError(t, err)
	require.True(t, tx.Receipt.Success)
	require.Empty(t, tx.Receipt.Errors)
	require.Equal(t, "10", tx.Receipt.CumulativeGas)

	bal, nonce := e.balance(t, carol)
	require.Equal(t, "999940", bal)
	require.Equal(t, uint64(2), nonce)
}

func TestConcurrentSubmitsFromOneSender(t *testing.T) {
	e := setupTest(t, nil, Options{})

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.proc.Submit(context.Background(), transferReq(alice, bob, "10", 1))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.Equal(t, types.KindNonceMismatch, types.KindOf(err))
	}
	require.Equal(t, 1, accepted)
	bal, nonce := e.balance(t, alice)
	require.Equal(t, "990", bal)
	require.Equal(t, uint64(1), nonce)
}

func TestConcurrentSendersToOneRecipient(t *testing.T) {
	e := setupTest(t, nil, Options{})

	const senders = 12
	var accts []*types.Account
	var addrs []common.Address
	for i := 0; i < senders; i++ {
		addr := common.HexToAddress(fmt.Sprintf("0x%040x", 0x1000+i))
		addrs = append(addrs, addr)
		accts = append(accts, &types.Account{Address: addr, Balance: uint256.NewInt(50)})
	}
	require.NoError(t, e.store.LoadAccounts(accts))

	var wg sync.WaitGroup
	errs := make(chan error, senders*2)
	for _, addr := range addrs {
		wg.Add(1)
		go func(from common.Address) {
			defer wg.Done()
			for nonce := uint64(1); nonce <= 2; nonce++ {
				if _, err := e.proc.Submit(context.Background(), transferReq(from, bob, "5", nonce)); err != nil {
					errs <- err
				}
			}
		}(addr)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bal, _ := e.balance(t, bob)
	require.Equal(t, fmt.Sprint(senders*10), bal)
	require.Equal(t, uint64(senders*2), e.txs.Count())
}
