package fleet

import (
	"context"

	"github.com/t77yq/credfleet/internal/model"
)

// Result is what an executor produces for a successful attempt
type Result struct {
	Output string
	Tokens int
}

// Executor performs one attempt of a subtask with the selected credential.
// It should honour ctx; an attempt that outlives its budget is abandoned.
// An abandoned call keeps running after its concurrency slot is released, so
// an executor that ignores ctx can exceed MaxConcurrency in-flight calls.
type Executor interface {
	Execute(ctx context.Context, subtask model.Subtask, cred model.Credential) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, subtask model.Subtask, cred model.Credential) (Result, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, subtask model.Subtask, cred model.Credential) (Result, error) {
	return f(ctx, subtask, cred)
}

// CredentialSelector is the part of the credential pool the fleet depends on
type CredentialSelector interface {
	Select(provider model.Provider) (*model.AccountNode, error)
	RecordRequest(provider model.Provider, accountID string, success bool, latencyMs int64)
}

// ProgressSink receives progress snapshots. Publish must not block for long;
// it is called from worker goroutines.
type ProgressSink interface {
	Publish(p model.Progress)
}

// AttemptRecorder stores the audit entry of every attempt
type AttemptRecorder interface {
	Store(ctx context.Context, rec *model.AttemptRecord) error
}

// AttemptObserver is notified about attempt lifecycle events
type AttemptObserver interface {
	AttemptStarted(provider model.Provider, replacement bool)
	AttemptFinished(provider model.Provider, outcome model.Outcome)
}
