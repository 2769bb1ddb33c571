package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxRemoteResponse = 8 << 20

// RemoteEngine posts runner inputs to a hosted Scilla runner.
type RemoteEngine struct {
	URL    string
	client *http.Client
	log    zerolog.Logger
}

// NewRemoteEngine talks to the runner service at baseURL. Per-call
// deadlines come from the caller's context; timeout is an upper bound for
// the HTTP client itself.
func NewRemoteEngine(baseURL string, timeout time.Duration, log zerolog.Logger) *RemoteEngine {
	return &RemoteEngine{
		URL:    strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("engine", "remote").Logger(),
	}
}

var _ Runtime = (*RemoteEngine)(nil)

type remoteRequest struct {
	Code       string `json:"code"`
	Init       string `json:"init"`
	Blockchain string `json:"blockchain"`
	State      string `json:"statejson,omitempty"`
	Message    string `json:"message,omitempty"`
	GasLimit   uint64 `json:"gaslimit"`
}

type remoteResponse struct {
	Result  string          `json:"result"`
	Message json.RawMessage `json:"message"`
}

// Deploy runs the contract constructor remotely.
func (e *RemoteEngine) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	out, err := e.post(ctx, deployInput(req))
	if err != nil {
		return nil, err
	}
	return out.deployResult(req.GasLimit)
}

// Invoke runs one transition remotely.
func (e *RemoteEngine) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	out, err := e.post(ctx, invokeInput(req))
	if err != nil {
		return nil, err
	}
	return out.invokeResult(req.GasLimit, req.Address)
}

func (e *RemoteEngine) post(ctx context.Context, in runnerInput) (*runnerOutput, error) {
	body := remoteRequest{Code: in.Code, GasLimit: in.GasLimit}
	var err error
	if body.Init, err = jsonString(in.Init); err != nil {
		return nil, err
	}
	if body.Blockchain, err = jsonString(in.Blockchain); err != nil {
		return nil, err
	}
	if in.State != nil {
		if body.State, err = jsonString(in.State); err != nil {
			return nil, err
		}
	}
	if in.Message != nil {
		if body.Message, err = jsonString(in.Message); err != nil {
			return nil, err
		}
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode remote request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+"/contract/call", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remote runner request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ExecutionError{Reason: fmt.Sprintf("remote runner returned status %d", resp.StatusCode)}
	}

	var rr remoteResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, &ExecutionError{Reason: fmt.Sprintf("malformed remote response: %v", err)}
	}
	e.log.Debug().Str("tag", tagOf(in.Message)).Str("result", rr.Result).Msg("remote runner finished")

	out, err := parseOutput(rr.Message)
	if err != nil {
		return nil, err
	}
	if rr.Result != "success" && len(out.Errors) == 0 {
		out.Errors = []runnerError{{Message: fmt.Sprintf("remote runner result %q", rr.Result)}}
	}
	return out, nil
}

func jsonString(doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode runner input: %w", err)
	}
	return string(data), nil
}
