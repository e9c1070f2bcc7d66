package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/credfleet/internal/fleet"
	"github.com/t77yq/credfleet/internal/model"
)

var _ fleet.AttemptRecorder = (*SQLiteAttemptHistory)(nil)

func newRecord(runID, subtaskID string, agentID uint64, startedAt time.Time) *model.AttemptRecord {
	return &model.AttemptRecord{
		ID:          uuid.NewString(),
		RunID:       runID,
		SubtaskID:   subtaskID,
		AgentID:     agentID,
		Attempt:     1,
		Provider:    model.ProviderAnthropic,
		AccountID:   "a1",
		Status:      model.OutcomeSuccess,
		LatencyMs:   42,
		Tokens:      9,
		StartedAt:   startedAt,
		CompletedAt: startedAt.Add(42 * time.Millisecond),
	}
}

func TestSQLiteAttemptHistory(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	history, err := NewSQLiteAttemptHistory(zaptest.NewLogger(t), dbPath)
	require.NoError(t, err)
	defer history.Close()

	now := time.Now()

	t.Run("Store and get", func(t *testing.T) {
		rec := newRecord("run-1", "s1", 1, now)
		require.NoError(t, history.Store(ctx, rec))

		got, err := history.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.RunID, got.RunID)
		assert.Equal(t, rec.SubtaskID, got.SubtaskID)
		assert.Equal(t, uint64(1), got.AgentID)
		assert.Equal(t, model.ProviderAnthropic, got.Provider)
		assert.Equal(t, "a1", got.AccountID)
		assert.Equal(t, model.OutcomeSuccess, got.Status)
		assert.Empty(t, got.Reason)
		assert.Equal(t, int64(42), got.LatencyMs)
		assert.Equal(t, 9, got.Tokens)
		assert.WithinDuration(t, rec.StartedAt, got.StartedAt, time.Millisecond)
		assert.WithinDuration(t, rec.CompletedAt, got.CompletedAt, time.Millisecond)
	})

	t.Run("Get missing", func(t *testing.T) {
		got, err := history.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Duplicate id", func(t *testing.T) {
		rec := newRecord("run-1", "dup", 99, now)
		require.NoError(t, history.Store(ctx, rec))
		assert.Error(t, history.Store(ctx, rec))
	})

	t.Run("List by run and subtask", func(t *testing.T) {
		failed := newRecord("run-2", "s2", 11, now)
		failed.Status = model.OutcomeRetryableFailure
		failed.Reason = model.ReasonCredentialExhaustion
		failed.AccountID = ""
		failed.Error = "no usable account"

		retry := newRecord("run-2", "s2", 12, now.Add(time.Millisecond))
		retry.Attempt = 2
		other := newRecord("run-2", "s3", 10, now)

		for _, rec := range []*model.AttemptRecord{retry, other, failed} {
			require.NoError(t, history.Store(ctx, rec))
		}

		all, err := history.ListByRun(ctx, "run-2")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []uint64{10, 11, 12}, []uint64{all[0].AgentID, all[1].AgentID, all[2].AgentID})

		chain, err := history.ListBySubtask(ctx, "run-2", "s2")
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, model.ReasonCredentialExhaustion, chain[0].Reason)
		assert.Empty(t, chain[0].AccountID)
		assert.Equal(t, "no usable account", chain[0].Error)
		assert.Equal(t, 2, chain[1].Attempt)

		none, err := history.ListBySubtask(ctx, "run-2", "nope")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Delete before", func(t *testing.T) {
		old := newRecord("run-old", "s1", 1, now.Add(-48*time.Hour))
		require.NoError(t, history.Store(ctx, old))

		deleted, err := history.DeleteBefore(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		got, err := history.Get(ctx, old.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		remaining, err := history.ListByRun(ctx, "run-2")
		require.NoError(t, err)
		assert.Len(t, remaining, 3)
	})

	t.Run("Reopen keeps records", func(t *testing.T) {
		reopened, err := NewSQLiteAttemptHistory(zaptest.NewLogger(t), dbPath)
		require.NoError(t, err)
		defer reopened.Close()

		records, err := reopened.ListByRun(ctx, "run-2")
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})
}
