package handler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/fleet"
	"github.com/t77yq/credfleet/internal/model"
)

// Environment variables handed to the command
const (
	EnvCredential = "CREDFLEET_CREDENTIAL"
	EnvProvider   = "CREDFLEET_PROVIDER"
	EnvAccountID  = "CREDFLEET_ACCOUNT_ID"
	EnvSubtaskID  = "CREDFLEET_SUBTASK_ID"
)

var _ fleet.Executor = (*ShellCommandExecutor)(nil)

// ShellCommandConfig describes the command run for every attempt
type ShellCommandConfig struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
}

// ShellCommandExecutor runs a command per attempt. The subtask description
// is written to stdin and stdout becomes the attempt output.
type ShellCommandExecutor struct {
	logger *zap.Logger
	config ShellCommandConfig
}

// NewShellCommandExecutor creates a new shell command executor
func NewShellCommandExecutor(config ShellCommandConfig, logger *zap.Logger) (*ShellCommandExecutor, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("shell command executor: command is required")
	}
	return &ShellCommandExecutor{
		logger: logger.Named("shell-executor"),
		config: config,
	}, nil
}

// Execute runs the command for one attempt
func (e *ShellCommandExecutor) Execute(ctx context.Context, subtask model.Subtask, cred model.Credential) (fleet.Result, error) {
	cmd := exec.CommandContext(ctx, e.config.Command, e.config.Args...)

	if e.config.WorkingDir != "" {
		cmd.Dir = e.config.WorkingDir
	}

	env := os.Environ()
	for k, v := range e.config.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(env,
		EnvCredential+"="+cred.Ref,
		EnvProvider+"="+string(cred.Provider),
		EnvAccountID+"="+cred.AccountID,
		EnvSubtaskID+"="+subtask.ID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = strings.NewReader(subtask.Description)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("Executing shell command",
		zap.String("command", e.config.Command),
		zap.Strings("args", e.config.Args),
		zap.String("subtask_id", subtask.ID),
		zap.String("account_id", cred.AccountID))

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fleet.Result{}, fmt.Errorf("command interrupted: %w", ctxErr)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fleet.Result{}, fmt.Errorf("command failed: %w: %s", err, msg)
		}
		return fleet.Result{}, fmt.Errorf("command failed: %w", err)
	}

	output := strings.TrimSpace(stdout.String())
	return fleet.Result{
		Output: output,
		Tokens: len(strings.Fields(output)),
	}, nil
}
