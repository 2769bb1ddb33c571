package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ExecEngine runs contracts with a local scilla-runner binary. Each call gets
// its own scratch directory holding the runner's input and output files.
type ExecEngine struct {
	Binary string
	LibDir string
	log    zerolog.Logger
}

// NewExecEngine uses the runner at binary with the Scilla stdlib at libDir.
func NewExecEngine(binary, libDir string, log zerolog.Logger) *ExecEngine {
	return &ExecEngine{
		Binary: binary,
		LibDir: libDir,
		log:    log.With().Str("engine", "exec").Logger(),
	}
}

var _ Runtime = (*ExecEngine)(nil)

// Deploy runs the contract constructor.
func (e *ExecEngine) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	out, err := e.run(ctx, deployInput(req))
	if err != nil {
		return nil, err
	}
	return out.deployResult(req.GasLimit)
}

// Invoke runs one transition.
func (e *ExecEngine) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	out, err := e.run(ctx, invokeInput(req))
	if err != nil {
		return nil, err
	}
	return out.invokeResult(req.GasLimit, req.Address)
}

func (e *ExecEngine) run(ctx context.Context, in runnerInput) (*runnerOutput, error) {
	dir, err := os.MkdirTemp("", "kaya-run-")
	if err != nil {
		return nil, fmt.Errorf("create runner dir: %w", err)
	}
	defer os.RemoveAll(dir)

	files := map[string]any{
		"init.json":       in.Init,
		"blockchain.json": in.Blockchain,
	}
	if in.State != nil {
		files["state.json"] = in.State
	}
	if in.Message != nil {
		files["message.json"] = in.Message
	}
	for name, doc := range files {
		if err := writeJSONFile(filepath.Join(dir, name), doc); err != nil {
			return nil, err
		}
	}
	codePath := filepath.Join(dir, "input.scilla")
	if err := os.WriteFile(codePath, []byte(in.Code), 0o600); err != nil {
		return nil, fmt.Errorf("write contract code: %w", err)
	}
	outPath := filepath.Join(dir, "output.json")

	args := []string{
		"-init", filepath.Join(dir, "init.json"),
		"-iblockchain", filepath.Join(dir, "blockchain.json"),
		"-o", outPath,
		"-i", codePath,
		"-gaslimit", strconv.FormatUint(in.GasLimit, 10),
		"-libdir", e.LibDir,
	}
	if in.State != nil {
		args = append(args, "-istate", filepath.Join(dir, "state.json"))
	}
	if in.Message != nil {
		args = append(args, "-imessage", filepath.Join(dir, "message.json"))
	}

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	raw, readErr := os.ReadFile(outPath)
	if readErr != nil {
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				return nil, &ExecutionError{Reason: runnerReason(stderr.String(), stdout.String(), runErr)}
			}
			return nil, fmt.Errorf("start scilla runner: %w", runErr)
		}
		return nil, &ExecutionError{Reason: "runner produced no output"}
	}

	out, err := parseOutput(raw)
	if err != nil {
		return nil, err
	}
	if runErr != nil && len(out.Errors) == 0 {
		out.Errors = []runnerError{{Message: runnerReason(stderr.String(), stdout.String(), runErr)}}
	}

	e.log.Debug().
		Str("tag", tagOf(in.Message)).
		Str("gas_remaining", out.GasRemaining).
		Int("errors", len(out.Errors)).
		Msg("runner finished")
	return out, nil
}

func writeJSONFile(path string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func runnerReason(stderr, stdout string, err error) string {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(stdout); msg != "" {
		return msg
	}
	return err.Error()
}

func tagOf(m *runnerMessage) string {
	if m == nil {
		return "_deploy"
	}
	return m.Tag
}
