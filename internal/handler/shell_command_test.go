package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/credfleet/internal/model"
)

func TestShellCommandExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cred := model.Credential{Provider: model.ProviderLocal, AccountID: "l1", Ref: "secret-1"}
	subtask := model.Subtask{ID: "s1", Description: "count these four words"}

	t.Run("Requires a command", func(t *testing.T) {
		_, err := NewShellCommandExecutor(ShellCommandConfig{}, logger)
		assert.Error(t, err)
	})

	t.Run("Description on stdin", func(t *testing.T) {
		exec, err := NewShellCommandExecutor(ShellCommandConfig{Command: "cat"}, logger)
		require.NoError(t, err)

		res, err := exec.Execute(context.Background(), subtask, cred)
		require.NoError(t, err)
		assert.Equal(t, "count these four words", res.Output)
		assert.Equal(t, 4, res.Tokens)
	})

	t.Run("Credential in environment", func(t *testing.T) {
		exec, err := NewShellCommandExecutor(ShellCommandConfig{
			Command: "sh",
			Args:    []string{"-c", `echo "$CREDFLEET_CREDENTIAL $CREDFLEET_ACCOUNT_ID $CREDFLEET_SUBTASK_ID $EXTRA"`},
			Env:     map[string]string{"EXTRA": "x"},
		}, logger)
		require.NoError(t, err)

		res, err := exec.Execute(context.Background(), subtask, cred)
		require.NoError(t, err)
		assert.Equal(t, "secret-1 l1 s1 x", res.Output)
	})

	t.Run("Failure carries stderr", func(t *testing.T) {
		exec, err := NewShellCommandExecutor(ShellCommandConfig{
			Command: "sh",
			Args:    []string{"-c", "echo quota exceeded >&2; exit 3"},
		}, logger)
		require.NoError(t, err)

		_, err = exec.Execute(context.Background(), subtask, cred)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota exceeded")
	})

	t.Run("Deadline", func(t *testing.T) {
		exec, err := NewShellCommandExecutor(ShellCommandConfig{
			Command: "sleep",
			Args:    []string{"5"},
		}, logger)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err = exec.Execute(ctx, subtask, cred)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}
