package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/model"
)

// attempt runs one worker identity: select a credential, execute under the
// per-attempt budget and feed the result back into the pool.
func (o *Orchestrator) attempt(ctx context.Context, runID string, st model.Subtask, provider model.Provider, agentID uint64, replacement bool) model.Outcome {
	rec := &model.AttemptRecord{
		ID:        uuid.NewString(),
		RunID:     runID,
		SubtaskID: st.ID,
		AgentID:   agentID,
		Attempt:   st.RetryCount + 1,
		Provider:  provider,
		StartedAt: time.Now(),
	}
	if o.observer != nil {
		o.observer.AttemptStarted(provider, replacement)
	}

	var outcome model.Outcome
	node, err := o.pool.Select(provider)
	if err != nil {
		// no credential was used, so there is nothing to report to the pool
		outcome = model.Outcome{
			Kind:   model.OutcomeRetryableFailure,
			Reason: model.ReasonCredentialExhaustion,
			Error:  err.Error(),
		}
		o.logger.Warn("No credential available",
			zap.String("subtask_id", st.ID),
			zap.Uint64("agent_id", agentID),
			zap.String("provider", string(provider)),
			zap.Error(err))
	} else {
		rec.AccountID = node.AccountID
		outcome = o.execute(ctx, st, node.Credential())
		o.pool.RecordRequest(provider, node.AccountID, outcome.Succeeded(), outcome.LatencyMs)
	}

	rec.CompletedAt = time.Now()
	rec.Status = outcome.Kind
	rec.Reason = outcome.Reason
	rec.Error = outcome.Error
	rec.LatencyMs = outcome.LatencyMs
	rec.Tokens = outcome.Tokens
	o.record(rec)

	if o.observer != nil {
		o.observer.AttemptFinished(provider, outcome)
	}

	o.logger.Debug("Attempt finished",
		zap.String("subtask_id", st.ID),
		zap.Uint64("agent_id", agentID),
		zap.String("account_id", rec.AccountID),
		zap.String("status", string(outcome.Kind)),
		zap.Int64("latency_ms", outcome.LatencyMs))
	return outcome
}

type executeResult struct {
	res Result
	err error
}

// execute calls the executor with a timeout. The attempt context is detached
// from run cancellation so in-flight attempts finish; an executor that
// ignores its context is abandoned once the budget runs out.
func (o *Orchestrator) execute(ctx context.Context, st model.Subtask, cred model.Credential) model.Outcome {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PerAttemptTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan executeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- executeResult{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		res, err := o.executor.Execute(attemptCtx, st, cred)
		done <- executeResult{res: res, err: err}
	}()

	var r executeResult
	select {
	case r = <-done:
	case <-attemptCtx.Done():
		return timeoutOutcome(time.Since(start))
	}

	latency := time.Since(start).Milliseconds()
	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) && attemptCtx.Err() != nil {
			return timeoutOutcome(time.Since(start))
		}
		return model.Outcome{
			Kind:      model.OutcomeRetryableFailure,
			LatencyMs: latency,
			Reason:    model.ReasonExternalFailure,
			Error:     fmt.Errorf("%w: %v", ErrExternalFailure, r.err).Error(),
		}
	}
	return model.Outcome{
		Kind:      model.OutcomeSuccess,
		Output:    r.res.Output,
		Tokens:    r.res.Tokens,
		LatencyMs: latency,
	}
}

func timeoutOutcome(elapsed time.Duration) model.Outcome {
	return model.Outcome{
		Kind:      model.OutcomeRetryableFailure,
		LatencyMs: elapsed.Milliseconds(),
		Reason:    model.ReasonTimeout,
		Error:     ErrTimeout.Error(),
	}
}

func (o *Orchestrator) record(rec *model.AttemptRecord) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.recorder.Store(ctx, rec); err != nil {
		o.logger.Error("Failed to store attempt record",
			zap.String("subtask_id", rec.SubtaskID),
			zap.Uint64("agent_id", rec.AgentID),
			zap.Error(err))
	}
}
