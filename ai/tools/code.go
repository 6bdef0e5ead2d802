package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// CodeRunner executes untrusted code and returns its captured output.
type CodeRunner interface {
	Execute(ctx context.Context, code string) (string, error)
}

// CodeExecuteTool ships Python source into the sandbox. It is the only
// approval-gated tool: execution waits for the triggering user's
// confirmation.
type CodeExecuteTool struct {
	runner CodeRunner
}

func NewCodeExecuteTool(runner CodeRunner) *CodeExecuteTool {
	return &CodeExecuteTool{runner: runner}
}

func (t *CodeExecuteTool) Name() string { return "code_execute" }

func (t *CodeExecuteTool) Description() string {
	return "Run Python code in a sandboxed container and return its stdout/stderr. Requires user approval."
}

func (t *CodeExecuteTool) Parameters() string {
	return `{"type":"object","properties":{"code":{"type":"string","description":"Python source to execute"}},"required":["code"],"additionalProperties":false}`
}

func (t *CodeExecuteTool) RequiresApproval() bool { return true }

func (t *CodeExecuteTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid code_execute arguments")
	}
	if strings.TrimSpace(params.Code) == "" {
		return "", errors.New("code is required")
	}

	meta := CallMetaFrom(ctx)
	slog.Info("executing sandboxed code", "run_id", meta.RunID, "user_id", meta.UserID, "bytes", len(params.Code))

	output, err := t.runner.Execute(ctx, params.Code)
	if err != nil {
		return "", err
	}
	if output == "" {
		output = "(no output)"
	}
	return output, nil
}
