package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionReport(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Append and finalize", func(t *testing.T) {
		r := NewExecutionReport("run", "task", 3, start)
		r.CountAgent(false)
		r.CountAgent(false)
		r.CountAgent(false)
		r.CountAgent(true)

		require.NoError(t, r.Append(SubtaskReport{ID: "c", Status: SubtaskSucceeded, LatencyMs: 30, Tokens: 3, AgentChain: []uint64{3}}))
		require.NoError(t, r.Append(SubtaskReport{ID: "a", Status: SubtaskPermanentlyFailed, LatencyMs: 99, AgentChain: []uint64{1, 4}, RetryCount: 1}))
		require.NoError(t, r.Append(SubtaskReport{ID: "b", Status: SubtaskSucceeded, LatencyMs: 20, Tokens: 2, AgentChain: []uint64{2}}))

		assert.True(t, r.Has("a"))
		assert.False(t, r.Has("z"))

		r.Finalize(start.Add(time.Second))
		assert.True(t, r.Finalized())
		assert.True(t, r.Success)
		assert.Equal(t, []string{"a"}, r.PermanentlyFailedIDs)
		assert.Equal(t, "a", r.PerSubtask[0].ID)
		assert.Equal(t, "c", r.PerSubtask[2].ID)

		assert.Equal(t, 3, r.Totals.OriginalAgents)
		assert.Equal(t, 1, r.Totals.ReplacementAgents)
		assert.Equal(t, 2, r.Totals.Succeeded)
		assert.Equal(t, 1, r.Totals.PermanentlyFailed)
		// only successful subtasks contribute latency and tokens
		assert.Equal(t, int64(50), r.Totals.TotalLatencyMs)
		assert.Equal(t, 5, r.Totals.TotalTokens)

		assert.ErrorIs(t, r.Append(SubtaskReport{ID: "d", Status: SubtaskSkipped}), ErrReportFinalized)
	})

	t.Run("Duplicate outcome", func(t *testing.T) {
		r := NewExecutionReport("run", "task", 1, start)
		require.NoError(t, r.Append(SubtaskReport{ID: "a", Status: SubtaskSucceeded}))
		assert.ErrorIs(t, r.Append(SubtaskReport{ID: "a", Status: SubtaskPermanentlyFailed}), ErrDuplicateOutcome)
		assert.Equal(t, 1, r.Totals.Succeeded)
		assert.Zero(t, r.Totals.PermanentlyFailed)
	})

	tests := []struct {
		name     string
		statuses []SubtaskStatus
		success  bool
	}{
		{"all succeeded", []SubtaskStatus{SubtaskSucceeded, SubtaskSucceeded}, true},
		{"some failed", []SubtaskStatus{SubtaskSucceeded, SubtaskPermanentlyFailed}, true},
		{"all failed", []SubtaskStatus{SubtaskPermanentlyFailed, SubtaskPermanentlyFailed}, false},
		{"failed and skipped", []SubtaskStatus{SubtaskPermanentlyFailed, SubtaskSkipped}, false},
		{"succeeded and skipped", []SubtaskStatus{SubtaskSucceeded, SubtaskSkipped}, true},
		{"all skipped", []SubtaskStatus{SubtaskSkipped, SubtaskSkipped}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run("Success rule/"+tt.name, func(t *testing.T) {
			r := NewExecutionReport("run", "task", len(tt.statuses), start)
			for i, s := range tt.statuses {
				require.NoError(t, r.Append(SubtaskReport{ID: string(rune('a' + i)), Status: s}))
			}
			r.Finalize(start)
			assert.Equal(t, tt.success, r.Success)
		})
	}

	t.Run("JSON shape", func(t *testing.T) {
		r := NewExecutionReport("run", "task", 1, start)
		require.NoError(t, r.Append(SubtaskReport{ID: "a", Status: SubtaskSucceeded, AgentChain: []uint64{1}}))
		r.Finalize(start)

		data, err := json.Marshal(r)
		require.NoError(t, err)

		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, true, raw["success"])
		assert.Contains(t, raw, "perSubtask")
		totals, ok := raw["totals"].(map[string]interface{})
		require.True(t, ok)
		assert.Contains(t, totals, "replacements")
		assert.NotContains(t, raw, "seen")
	})
}
