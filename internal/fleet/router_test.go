package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/credfleet/internal/model"
)

func TestTierRouter(t *testing.T) {
	routes := map[model.Tier]model.Provider{
		model.TierHeavy: model.ProviderAnthropic,
		model.TierLight: model.ProviderOpenAI,
	}

	t.Run("Routes known tiers", func(t *testing.T) {
		r := NewTierRouter(routes, "")
		p, err := r.Route(model.TierHeavy)
		require.NoError(t, err)
		assert.Equal(t, model.ProviderAnthropic, p)

		p, err = r.Route(model.TierLight)
		require.NoError(t, err)
		assert.Equal(t, model.ProviderOpenAI, p)
	})

	t.Run("Falls back for unknown tiers", func(t *testing.T) {
		r := NewTierRouter(routes, model.ProviderLocal)
		p, err := r.Route("")
		require.NoError(t, err)
		assert.Equal(t, model.ProviderLocal, p)
	})

	t.Run("Unroutable without fallback", func(t *testing.T) {
		r := NewTierRouter(routes, "")
		_, err := r.Route("batch")
		assert.ErrorIs(t, err, ErrUnroutableTier)
	})

	t.Run("Routes are copied", func(t *testing.T) {
		m := map[model.Tier]model.Provider{model.TierHeavy: model.ProviderAnthropic}
		r := NewTierRouter(m, "")
		m[model.TierHeavy] = model.ProviderGemini

		p, err := r.Route(model.TierHeavy)
		require.NoError(t, err)
		assert.Equal(t, model.ProviderAnthropic, p)
	})
}

func TestLatestProgress(t *testing.T) {
	var l LatestProgress

	_, ok := l.Latest()
	assert.False(t, ok)

	l.Publish(model.Progress{RunID: "r1", Sequence: 2, Succeeded: 2})
	l.Publish(model.Progress{RunID: "r1", Sequence: 1, Succeeded: 1})

	p, ok := l.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), p.Sequence)
	assert.Equal(t, 2, p.Succeeded)

	// a new run starts its own sequence
	l.Publish(model.Progress{RunID: "r2", Sequence: 1})
	p, _ = l.Latest()
	assert.Equal(t, "r2", p.RunID)

	agents := []model.AgentSnapshot{{AgentID: 1, Status: model.AgentWorking}}
	l.Publish(model.Progress{RunID: "r2", Sequence: 2, Agents: agents})
	agents[0].Status = model.AgentFailed

	p, _ = l.Latest()
	assert.Equal(t, model.AgentWorking, p.Agents[0].Status)
}
