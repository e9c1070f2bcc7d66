package model

import "time"

// Tier is a routing hint that selects which provider serves a subtask
type Tier string

const (
	TierHeavy Tier = "heavy"
	TierLight Tier = "light"
)

// Subtask is one independently executable unit of a task
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Tier        Tier   `json:"tier"`
	RetryCount  int    `json:"retry_count"`
}

// OutcomeKind classifies the result of a single attempt
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRetryableFailure OutcomeKind = "retryable_failure"
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// FailureReason names the cause of a failed attempt
type FailureReason string

const (
	ReasonCredentialExhaustion FailureReason = "credential_exhaustion"
	ReasonTimeout              FailureReason = "timeout"
	ReasonExternalFailure      FailureReason = "external_failure"
	ReasonCancelled            FailureReason = "cancelled"
)

// Outcome is the result of one attempt
type Outcome struct {
	Kind      OutcomeKind   `json:"kind"`
	Output    string        `json:"output,omitempty"`
	Tokens    int           `json:"tokens,omitempty"`
	LatencyMs int64         `json:"latency_ms"`
	Reason    FailureReason `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Succeeded reports whether the attempt produced a result
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// AttemptRecord is the audit entry written for every attempt
type AttemptRecord struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	SubtaskID   string        `json:"subtask_id"`
	AgentID     uint64        `json:"agent_id"`
	Attempt     int           `json:"attempt"`
	Provider    Provider      `json:"provider"`
	AccountID   string        `json:"account_id,omitempty"`
	Status      OutcomeKind   `json:"status"`
	Reason      FailureReason `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	LatencyMs   int64         `json:"latency_ms"`
	Tokens      int           `json:"tokens"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}
