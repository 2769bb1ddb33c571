package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// Gateway wraps a Runtime for the processor.
type Gateway struct {
	rt      Runtime
	timeout time.Duration
	log     zerolog.Logger
}

// NewGateway bounds every call to rt by timeout. A non-positive timeout
// falls back to 10s.
func NewGateway(rt Runtime, timeout time.Duration, log zerolog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gateway{
		rt:      rt,
		timeout: timeout,
		log:     log.With().Str("component", "runtime").Logger(),
	}
}

// Deploy runs the constructor. Any failure is an *ExecutionError.
func (g *Gateway) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	res, err := call(ctx, g, "deploy", func(ctx context.Context) (*DeployResult, error) {
		return g.rt.Deploy(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res.GasUsed > req.GasLimit {
		return nil, outOfGas(req.GasLimit)
	}
	return res, nil
}

// Invoke runs a transition. Any failure is an *ExecutionError.
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	res, err := call(ctx, g, "invoke", func(ctx context.Context) (*InvokeResult, error) {
		return g.rt.Invoke(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res.GasUsed > req.GasLimit {
		return nil, outOfGas(req.GasLimit)
	}
	return res, nil
}

func outOfGas(limit uint64) *ExecutionError {
	return &ExecutionError{Reason: "out of gas", GasUsed: limit, Metered: true}
}

type outcome[T any] struct {
	res T
	err error
}

// call runs fn on its own goroutine so an engine that ignores ctx still
// cannot hold the caller past the deadline.
func call[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context) (*T, error)) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan outcome[*T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error().
					Str("op", op).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("runtime engine panicked")
				done <- outcome[*T]{err: &ExecutionError{Reason: fmt.Sprintf("engine panic: %v", r)}}
			}
		}()
		res, err := fn(ctx)
		done <- outcome[*T]{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, g.classify(ctx, op, out.err)
		}
		if out.res == nil {
			return nil, &ExecutionError{Reason: "engine returned no result"}
		}
		return out.res, nil
	case <-ctx.Done():
		return nil, g.classify(ctx, op, ctx.Err())
	}
}

func (g *Gateway) classify(ctx context.Context, op string, err error) error {
	var execErr *ExecutionError
	switch {
	case errors.As(err, &execErr):
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		execErr = &ExecutionError{Reason: fmt.Sprintf("execution timed out after %s", g.timeout)}
	case errors.Is(err, context.Canceled):
		execErr = &ExecutionError{Reason: "execution canceled"}
	default:
		execErr = &ExecutionError{Reason: err.Error()}
	}
	g.log.Debug().Str("op", op).Str("reason", execErr.Reason).Bool("metered", execErr.Metered).Msg("execution failed")
	return execErr
}
