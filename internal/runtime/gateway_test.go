package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"kaya.mini/kaya/internal/types"
)

func requireExecErr(t *testing.T, err error) *ExecutionError {
	t.Helper()
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	return execErr
}

func TestGatewayPassesResultThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := NewMockRuntime(ctrl)
	rt.EXPECT().Deploy(gomock.Any(), gomock.Any()).Return(&DeployResult{GasUsed: 7}, nil)

	g := NewGateway(rt, time.Second, zerolog.Nop())
	res, err := g.Deploy(context.Background(), DeployRequest{GasLimit: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(7), res.GasUsed)
}

func TestGatewayTimesOutSlowEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := NewMockRuntime(ctrl)
	release := make(chan struct{})
	defer close(release)
	rt.EXPECT().Invoke(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
			<-release
			return &InvokeResult{}, nil
		})

	g := NewGateway(rt, 20*time.Millisecond, zerolog.Nop())
	start := time.Now()
	_, err := g.Invoke(context.Background(), InvokeRequest{GasLimit: 100})
	execErr := requireExecErr(t, err)
	require.Contains(t, execErr.Reason, "timed out")
	require.False(t, execErr.Metered)
	require.Less(t, time.Since(start), time.Second)
}

func TestGatewayRecoversPanic(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := NewMockRuntime(ctrl)
	rt.EXPECT().Invoke(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
			panic("engine bug")
		})

	g := NewGateway(rt, time.Second, zerolog.Nop())
	_, err := g.Invoke(context.Background(), InvokeRequest{GasLimit: 100})
	require.Contains(t, requireExecErr(t, err).Reason, "engine bug")
}

func TestGatewayWrapsPlainErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := NewMockRuntime(ctrl)
	rt.EXPECT().Deploy(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))
	rt.EXPECT().Invoke(gomock.Any(), gomock.Any()).Return(nil, &ExecutionError{Reason: "assert", GasUsed: 3, Metered: true})

	g := NewGateway(rt, time.Second, zerolog.Nop())

	_, err := g.Deploy(context.Background(), DeployRequest{GasLimit: 100})
	require.Equal(t, "connection refused", requireExecErr(t, err).Reason)

	_, err = g.Invoke(context.Background(), InvokeRequest{GasLimit: 100})
	execErr := requireExecErr(t, err)
	require.True(t, execErr.Metered)
	require.Equal(t, uint64(3), execErr.GasUsed)
}

func TestGatewayRejectsNilResultAndOverspend(t *testing.T) {
	ctrl := gomock.NewController(t)
	rt := NewMockRuntime(ctrl)
	rt.EXPECT().Deploy(gomock.Any(), gomock.Any()).Return(nil, nil)
	rt.EXPECT().Invoke(gomock.Any(), gomock.Any()).Return(&InvokeResult{GasUsed: 500}, nil)

	g := NewGateway(rt, time.Second, zerolog.Nop())

	_, err := g.Deploy(context.Background(), DeployRequest{GasLimit: 100})
	requireExecErr(t, err)

	_, err = g.Invoke(context.Background(), InvokeRequest{GasLimit: 100})
	execErr := requireExecErr(t, err)
	require.Equal(t, "out of gas", execErr.Reason)
	require.Equal(t, uint64(100), execErr.GasUsed)
}

func TestMemoryEngine(t *testing.T) {
	engine := NewMemoryEngine()
	engine.Register("counter", Contract{
		Constructor: func(req DeployRequest) ([]types.Value, error) {
			return []types.Value{types.StringValue("count", "Uint32", "0")}, nil
		},
		Transitions: map[string]TransitionFunc{
			"Bump": func(req InvokeRequest) (*InvokeResult, error) {
				return &InvokeResult{
					State:  []types.Value{types.StringValue("count", "Uint32", "1")},
					Events: []types.Event{{EventName: "Bumped"}},
				}, nil
			},
			"Fail": func(req InvokeRequest) (*InvokeResult, error) {
				return nil, errors.New("assertion failed")
			},
		},
	})
	g := NewGateway(engine, time.Second, zerolog.Nop())
	ctx := context.Background()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	dep, err := g.Deploy(ctx, DeployRequest{Code: "counter", GasLimit: 50})
	require.NoError(t, err)
	require.Equal(t, uint64(50), dep.GasUsed)
	require.Len(t, dep.State, 1)

	_, err = g.Deploy(ctx, DeployRequest{Code: "counter", GasLimit: 49})
	require.Equal(t, "out of gas", requireExecErr(t, err).Reason)

	_, err = g.Deploy(ctx, DeployRequest{Code: "garbage", GasLimit: 50})
	require.False(t, requireExecErr(t, err).Metered)

	res, err := g.Invoke(ctx, InvokeRequest{Code: "counter", Transition: "Bump", Address: addr, GasLimit: 10})
	require.NoError(t, err)
	require.Equal(t, uint64(10), res.GasUsed)
	require.Equal(t, types.FormatAddress(addr), res.Events[0].Address)

	_, err = g.Invoke(ctx, InvokeRequest{Code: "counter", Transition: "Fail", GasLimit: 10})
	execErr := requireExecErr(t, err)
	require.True(t, execErr.Metered)
	require.Equal(t, uint64(10), execErr.GasUsed)

	_, err = g.Invoke(ctx, InvokeRequest{Code: "counter", Transition: "Nope", GasLimit: 10})
	require.Contains(t, requireExecErr(t, err).Reason, "Nope")
}
