package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/credfleet/internal/model"
)

func TestRecoverySweeper_Sweep(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, clock, model.ProviderOpenAI, "o1", "o2", "o3")
	sweeper := NewRecoverySweeper(p, "@every 1m", 5*time.Minute, zaptest.NewLogger(t))

	require.NoError(t, p.MarkUnhealthy(model.ProviderOpenAI, "o1"))
	require.NoError(t, p.MarkUnhealthy(model.ProviderOpenAI, "o2"))
	require.NoError(t, p.SetDisabled(model.ProviderOpenAI, "o2", true))

	clock.Advance(time.Minute)
	assert.Empty(t, sweeper.Sweep(), "cooldown not elapsed")

	clock.Advance(5 * time.Minute)
	assert.Equal(t, []string{"o1"}, sweeper.Sweep())
	assert.Equal(t, 2, sweeper.Sweeps())

	node, err := p.Account(model.ProviderOpenAI, "o1")
	require.NoError(t, err)
	assert.True(t, node.IsHealthy)
	assert.Equal(t, 0, node.UsageCount)
	assert.Equal(t, clock.Now(), node.LastRefreshTime)

	node, err = p.Account(model.ProviderOpenAI, "o2")
	require.NoError(t, err)
	assert.False(t, node.IsHealthy, "disabled accounts are left alone")
}

func TestRecoverySweeper_StartStop(t *testing.T) {
	p := NewCredentialPool(zaptest.NewLogger(t))

	t.Run("Invalid schedule", func(t *testing.T) {
		sweeper := NewRecoverySweeper(p, "not a schedule", time.Minute, zaptest.NewLogger(t))
		err := sweeper.Start(context.Background())
		require.Error(t, err)
	})

	t.Run("Runs on schedule", func(t *testing.T) {
		sweeper := NewRecoverySweeper(p, "@every 1s", time.Minute, zaptest.NewLogger(t))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, sweeper.Start(ctx))
		require.Eventually(t, func() bool { return sweeper.Sweeps() > 0 }, 5*time.Second, 50*time.Millisecond)
		sweeper.Stop()
		sweeper.Stop()
	})
}
