package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

type execAdapter struct {
	cmd []string
}

// NewExecAdapter runs command once per call, writing the CallRequest as
// JSON on stdin and reading a CallResponse from stdout.
func NewExecAdapter(command string) (Adapter, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse provider command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("provider command empty")
	}
	return &execAdapter{cmd: args}, nil
}

func (a *execAdapter) Execute(ctx context.Context, req CallRequest) (CallResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return CallResponse{}, &AdapterError{Retryable: false, Message: err.Error()}
	}
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	args := append([]string{}, a.cmd[1:]...)
	args = append(args, "--provider", req.ProviderID, "--model", req.ModelID)
	cmd := exec.CommandContext(ctx, a.cmd[0], args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return CallResponse{}, &AdapterError{Retryable: true, Message: "provider command timed out"}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Exit code 2 is the command's way of saying "do not retry".
			return CallResponse{}, &AdapterError{Retryable: exitErr.ExitCode() != 2, Message: fmt.Sprintf("provider command failed: %v: %s", err, stderr.String())}
		}
		return CallResponse{}, &AdapterError{Retryable: false, Message: err.Error()}
	}

	var resp CallResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return CallResponse{}, &AdapterError{Retryable: false, Message: fmt.Sprintf("decode provider response: %v", err)}
	}
	if resp.LatencyMS <= 0 {
		resp.LatencyMS = time.Since(started).Milliseconds()
	}
	return resp, nil
}
