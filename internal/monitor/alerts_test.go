package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/credfleet/internal/model"
	"github.com/t77yq/credfleet/internal/pool"
	"github.com/t77yq/credfleet/internal/testutil"
)

func TestAlertManager(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	alerts, err := NewAlertManager(js, logger)
	require.NoError(t, err)

	stream, err := js.StreamInfo("ALERTS")
	require.NoError(t, err)
	assert.Equal(t, []string{"alert.*"}, stream.Config.Subjects)

	credPool := pool.NewCredentialPool(logger, pool.WithObserver(alerts))
	credPool.AddAccount(model.NewAccountNode(model.ProviderOpenAI, "o1", "ref", 1))

	flush := func() {
		select {
		case <-js.PublishAsyncComplete():
		case <-time.After(5 * time.Second):
			t.Fatal("alerts not acknowledged")
		}
	}

	t.Run("Unhealthy account opens an alert", func(t *testing.T) {
		node, err := credPool.Select(model.ProviderOpenAI)
		require.NoError(t, err)
		credPool.RecordRequest(model.ProviderOpenAI, node.AccountID, false, 0)

		active := alerts.Active()
		require.Len(t, active, 1)
		assert.Equal(t, model.AlertTypeAccountUnhealthy, active[0].Type)
		assert.Equal(t, "o1", active[0].AccountID)

		// a second transition while open does not duplicate the alert
		require.NoError(t, credPool.MarkUnhealthy(model.ProviderOpenAI, "o1"))
		assert.Len(t, alerts.Active(), 1)
	})

	t.Run("Exhaustion alerts once per outage", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := credPool.Select(model.ProviderOpenAI)
			require.ErrorIs(t, err, pool.ErrCredentialExhaustion)
		}
		flush()
		assert.Len(t, testutil.FetchAll(t, js, "alert.credential_exhaustion"), 1)
	})

	t.Run("Refresh resolves the alert", func(t *testing.T) {
		require.NoError(t, credPool.Refresh(model.ProviderOpenAI, "o1"))
		assert.Empty(t, alerts.Active())

		flush()
		msgs := testutil.FetchAll(t, js, "alert.account_recovered")
		require.Len(t, msgs, 1)

		var resolved model.Alert
		require.NoError(t, json.Unmarshal(msgs[0], &resolved))
		assert.Equal(t, "o1", resolved.AccountID)
		require.NotNil(t, resolved.ResolvedAt)

		opened := testutil.FetchAll(t, js, "alert.account_unhealthy")
		require.Len(t, opened, 1)
		var first model.Alert
		require.NoError(t, json.Unmarshal(opened[0], &first))
		assert.Equal(t, first.ID, resolved.ID)
	})

	t.Run("Selection after recovery re-arms exhaustion", func(t *testing.T) {
		_, err := credPool.Select(model.ProviderOpenAI)
		require.NoError(t, err)

		require.NoError(t, credPool.SetDisabled(model.ProviderOpenAI, "o1", true))
		_, err = credPool.Select(model.ProviderOpenAI)
		require.Error(t, err)

		flush()
		assert.Len(t, testutil.FetchAll(t, js, "alert.credential_exhaustion"), 2)
	})
}
