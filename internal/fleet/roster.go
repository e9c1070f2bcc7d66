package fleet

import (
	"sync"
	"time"

	"github.com/t77yq/credfleet/internal/model"
)

// roster is the mutable state of one run. Every transition returns a
// snapshot taken under the same lock, so published snapshots are consistent.
type roster struct {
	mu sync.Mutex

	runID        string
	total        int
	terminal     int
	working      int
	replacements int
	sequence     uint64

	agents []model.AgentSnapshot
	index  map[uint64]int
	report *model.ExecutionReport
}

func newRoster(runID, task string, total int, startedAt time.Time) *roster {
	return &roster{
		runID:  runID,
		total:  total,
		index:  make(map[uint64]int, total),
		report: model.NewExecutionReport(runID, task, total, startedAt),
	}
}

// startAgent registers a worker identity for an attempt. replacement is
// true for every attempt of a subtask after its first one in this run.
func (r *roster) startAgent(agentID uint64, st model.Subtask, replacement bool) model.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.CountAgent(replacement)
	if replacement {
		r.replacements++
	}
	r.working++
	r.index[agentID] = len(r.agents)
	r.agents = append(r.agents, model.AgentSnapshot{
		AgentID:    agentID,
		Status:     model.AgentWorking,
		SubtaskID:  st.ID,
		RetryCount: st.RetryCount,
	})
	return r.snapshotLocked()
}

// endAgent moves a working agent to its final status
func (r *roster) endAgent(agentID uint64, status model.AgentStatus) model.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setStatusLocked(agentID, status)
	return r.snapshotLocked()
}

// finish records the terminal outcome of a subtask, ending its last agent
// when one is given.
func (r *roster) finish(agentID uint64, status model.AgentStatus, sr model.SubtaskReport) (model.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.report.Append(sr); err != nil {
		return model.Progress{}, err
	}
	if agentID != 0 {
		r.setStatusLocked(agentID, status)
	}
	r.terminal++
	return r.snapshotLocked(), nil
}

func (r *roster) setStatusLocked(agentID uint64, status model.AgentStatus) {
	i, ok := r.index[agentID]
	if !ok {
		return
	}
	if r.agents[i].Status == model.AgentWorking {
		r.working--
	}
	r.agents[i].Status = status
}

func (r *roster) snapshot() model.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *roster) snapshotLocked() model.Progress {
	r.sequence++
	t := r.report.Totals
	return model.Progress{
		RunID:             r.runID,
		Sequence:          r.sequence,
		TotalSubtasks:     r.total,
		Queued:            r.total - r.terminal - r.working,
		Working:           r.working,
		Succeeded:         t.Succeeded,
		PermanentlyFailed: t.PermanentlyFailed,
		Skipped:           t.Skipped,
		Replacements:      r.replacements,
		Agents:            append([]model.AgentSnapshot(nil), r.agents...),
		UpdatedAt:         time.Now(),
	}
}

// finalize closes the report; no outcome may be appended afterwards
func (r *roster) finalize(now time.Time) *model.ExecutionReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.Finalize(now)
	return r.report
}
