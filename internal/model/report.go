package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// SubtaskStatus is the terminal state of a subtask in a report
type SubtaskStatus string

const (
	SubtaskSucceeded         SubtaskStatus = "success"
	SubtaskPermanentlyFailed SubtaskStatus = "permanent_failure"
	SubtaskSkipped           SubtaskStatus = "skipped"
)

var (
	// ErrReportFinalized is returned when appending to a finalized report
	ErrReportFinalized = errors.New("report already finalized")

	// ErrDuplicateOutcome is returned when a subtask already has a terminal outcome
	ErrDuplicateOutcome = errors.New("subtask already has a terminal outcome")
)

// SubtaskReport is the terminal record of one subtask
type SubtaskReport struct {
	ID         string        `json:"id"`
	Status     SubtaskStatus `json:"status"`
	RetryCount int           `json:"retryCount"`
	AgentChain []uint64      `json:"agentChain"`
	LatencyMs  int64         `json:"latencyMs"`
	Tokens     int           `json:"tokens"`
	Output     string        `json:"output,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ReportTotals holds fleet-level counters
type ReportTotals struct {
	TotalSubtasks     int   `json:"totalSubtasks"`
	OriginalAgents    int   `json:"originalAgents"`
	ReplacementAgents int   `json:"replacements"`
	Succeeded         int   `json:"succeeded"`
	PermanentlyFailed int   `json:"permanentlyFailed"`
	Skipped           int   `json:"skipped"`
	TotalLatencyMs    int64 `json:"totalLatencyMs"`
	TotalTokens       int   `json:"totalTokens"`
}

// ExecutionReport aggregates the outcome of a fleet run. Outcomes are
// append-only; the report is not safe for concurrent use.
type ExecutionReport struct {
	RunID                string          `json:"runId"`
	Task                 string          `json:"task"`
	Success              bool            `json:"success"`
	PerSubtask           []SubtaskReport `json:"perSubtask"`
	PermanentlyFailedIDs []string        `json:"permanentlyFailed,omitempty"`
	Totals               ReportTotals    `json:"totals"`
	StartedAt            time.Time       `json:"startedAt"`
	FinishedAt           time.Time       `json:"finishedAt,omitempty"`

	seen      map[string]struct{}
	finalized bool
}

// NewExecutionReport starts an empty report for a run
func NewExecutionReport(runID, task string, totalSubtasks int, startedAt time.Time) *ExecutionReport {
	return &ExecutionReport{
		RunID:      runID,
		Task:       task,
		PerSubtask: make([]SubtaskReport, 0, totalSubtasks),
		Totals:     ReportTotals{TotalSubtasks: totalSubtasks},
		StartedAt:  startedAt,
		seen:       make(map[string]struct{}, totalSubtasks),
	}
}

// CountAgent records that an attempt was started
func (r *ExecutionReport) CountAgent(replacement bool) {
	if replacement {
		r.Totals.ReplacementAgents++
		return
	}
	r.Totals.OriginalAgents++
}

// Append records the terminal outcome of one subtask
func (r *ExecutionReport) Append(s SubtaskReport) error {
	if r.finalized {
		return ErrReportFinalized
	}
	if _, ok := r.seen[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOutcome, s.ID)
	}
	r.seen[s.ID] = struct{}{}
	r.PerSubtask = append(r.PerSubtask, s)

	switch s.Status {
	case SubtaskSucceeded:
		r.Totals.Succeeded++
		r.Totals.TotalLatencyMs += s.LatencyMs
		r.Totals.TotalTokens += s.Tokens
	case SubtaskPermanentlyFailed:
		r.Totals.PermanentlyFailed++
	case SubtaskSkipped:
		r.Totals.Skipped++
	}
	return nil
}

// Has reports whether the subtask already has a terminal outcome
func (r *ExecutionReport) Has(id string) bool {
	_, ok := r.seen[id]
	return ok
}

// Finalize sorts the outcomes by id and computes fleet-level success. The
// fleet fails only when no subtask succeeded and at least one permanently
// failed, or when nothing ran at all.
func (r *ExecutionReport) Finalize(now time.Time) {
	if r.finalized {
		return
	}
	r.finalized = true
	r.FinishedAt = now

	sort.Slice(r.PerSubtask, func(i, j int) bool {
		return r.PerSubtask[i].ID < r.PerSubtask[j].ID
	})

	r.PermanentlyFailedIDs = nil
	for _, s := range r.PerSubtask {
		if s.Status == SubtaskPermanentlyFailed {
			r.PermanentlyFailedIDs = append(r.PermanentlyFailedIDs, s.ID)
		}
	}

	switch {
	case r.Totals.Succeeded > 0:
		r.Success = true
	case r.Totals.PermanentlyFailed > 0:
		r.Success = false
	default:
		r.Success = len(r.PerSubtask) > 0 && r.Totals.Skipped < len(r.PerSubtask)
	}
}

// Finalized reports whether Finalize has been called
func (r *ExecutionReport) Finalized() bool {
	return r.finalized
}

// Subtask returns the terminal record for id
func (r *ExecutionReport) Subtask(id string) (SubtaskReport, bool) {
	for _, s := range r.PerSubtask {
		if s.ID == id {
			return s, true
		}
	}
	return SubtaskReport{}, false
}
