// ABOUTME: Command execution for the agent runtime: shell and metrics
// ABOUTME: Every outcome, including panics, becomes a protocol.Result

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/2389/omni-gateway/internal/protocol"
)

// Command types understood by the agent.
const (
	CommandShell   = "shell"
	CommandMetrics = "metrics"
)

// ErrUnsupportedCommand is returned for command types the agent does not run.
var ErrUnsupportedCommand = errors.New("unsupported command type")

// commandRequest is the payload of a command event.
type commandRequest struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	// TimeoutSeconds overrides Config.ShellTimeout when positive.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// ShellResult is the data of a successful shell command.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// execute runs cmd and never panics.
func (r *Runtime) execute(ctx context.Context, cmd protocol.Command) (result protocol.Result) {
	logger := r.logger.With("command_id", cmd.CommandID)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("command panicked", "panic", p)
			result = protocol.Result{OK: false, Error: fmt.Sprintf("command panicked: %v", p)}
		}
	}()

	var req commandRequest
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return protocol.Result{OK: false, Error: "invalid command payload"}
		}
	}
	logger.Info("executing command", "type", req.Type)

	data, err := r.dispatch(ctx, req)
	if err != nil {
		logger.Warn("command failed", "type", req.Type, "error", err)
		return protocol.Result{OK: false, Error: err.Error()}
	}
	return protocol.Result{OK: true, Data: data}
}

func (r *Runtime) dispatch(ctx context.Context, req commandRequest) (any, error) {
	switch req.Type {
	case CommandShell:
		timeout := r.cfg.ShellTimeout
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}
		return runShell(ctx, req.Command, timeout)
	case CommandMetrics:
		return r.snapshot(ctx), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, req.Type)
	}
}

// shellCommand returns the interpreter invocation for the host platform.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-Command", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}

// runShell runs command bounded by timeout. A non-zero exit is a result,
// not an error; failing to start or running out of time is an error.
func runShell(ctx context.Context, command string, timeout time.Duration) (*ShellResult, error) {
	if command == "" {
		return nil, errors.New("shell command is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := shellCommand(ctx, command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherited the output pipes must not outlive the timeout.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("shell command timed out after %s", timeout)
	}

	res := &ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running shell command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}
