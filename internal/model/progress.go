package model

import "time"

// AgentStatus is the lifecycle state of one attempt's worker
type AgentStatus string

const (
	AgentWorking   AgentStatus = "working"
	AgentSucceeded AgentStatus = "succeeded"
	AgentReplaced  AgentStatus = "replaced"
	AgentFailed    AgentStatus = "failed"
)

// AgentSnapshot describes one worker identity
type AgentSnapshot struct {
	AgentID    uint64      `json:"agent_id"`
	Status     AgentStatus `json:"status"`
	SubtaskID  string      `json:"subtask_id"`
	RetryCount int         `json:"retry_count"`
}

// HostStats is a sample of the machine running the fleet
type HostStats struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	SampledAt     time.Time `json:"sampledAt"`
}

// Progress is a consistent copy of a run's state for dashboards
type Progress struct {
	RunID             string          `json:"runId"`
	Sequence          uint64          `json:"sequence"`
	TotalSubtasks     int             `json:"totalSubtasks"`
	Queued            int             `json:"queued"`
	Working           int             `json:"working"`
	Succeeded         int             `json:"succeeded"`
	PermanentlyFailed int             `json:"permanentlyFailed"`
	Skipped           int             `json:"skipped"`
	Replacements      int             `json:"replacements"`
	Agents            []AgentSnapshot `json:"agents"`
	Host              *HostStats      `json:"host,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Done reports whether every subtask reached a terminal state
func (p Progress) Done() bool {
	return p.Succeeded+p.PermanentlyFailed+p.Skipped == p.TotalSubtasks
}
