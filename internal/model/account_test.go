package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("anthropic")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p)

	_, err = ParseProvider("Anthropic")
	assert.Error(t, err)
	_, err = ParseProvider("")
	assert.Error(t, err)
}

func TestAccountNode(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Defaults", func(t *testing.T) {
		n := NewAccountNode(ProviderOpenAI, "o1", "ref", 0)
		assert.True(t, n.IsHealthy)
		assert.True(t, n.Usable())
		assert.Equal(t, DefaultMaxErrorCount, n.MaxErrorCount)
		assert.Equal(t, 1.0, n.SuccessRate())
		assert.Zero(t, n.AvgLatency())
		assert.True(t, n.LastRefreshTime.IsZero())
	})

	t.Run("Error count resets on success", func(t *testing.T) {
		n := NewAccountNode(ProviderOpenAI, "o1", "ref", 3)
		assert.False(t, n.RecordRequest(false, 0, now))
		assert.False(t, n.RecordRequest(false, 0, now))
		assert.Equal(t, 2, n.ErrorCount)

		assert.False(t, n.RecordRequest(true, 100, now))
		assert.Zero(t, n.ErrorCount)
		assert.True(t, n.IsHealthy)
	})

	t.Run("Threshold flips health once", func(t *testing.T) {
		n := NewAccountNode(ProviderOpenAI, "o1", "ref", 2)
		assert.False(t, n.RecordRequest(false, 0, now))
		assert.True(t, n.RecordRequest(false, 0, now))
		assert.False(t, n.IsHealthy)
		assert.Equal(t, now, n.UnhealthySince)

		// success alone does not restore health
		assert.False(t, n.RecordRequest(true, 10, now.Add(time.Second)))
		assert.False(t, n.IsHealthy)
		assert.False(t, n.RecordRequest(false, 0, now.Add(2*time.Second)))
		assert.Equal(t, now, n.UnhealthySince)
	})

	t.Run("Performance", func(t *testing.T) {
		n := NewAccountNode(ProviderOpenAI, "o1", "ref", 10)
		n.RecordRequest(true, 100, now)
		n.RecordRequest(true, 300, now)
		n.RecordRequest(false, 999, now)
		n.RecordRequest(true, 200, now)

		assert.Equal(t, int64(4), n.TotalRequests)
		assert.Equal(t, int64(3), n.SuccessfulRequests)
		assert.Equal(t, int64(600), n.TotalLatency)
		assert.InDelta(t, 0.75, n.SuccessRate(), 1e-9)
		assert.InDelta(t, 200.0, n.AvgLatency(), 1e-9)
	})

	t.Run("Refresh", func(t *testing.T) {
		n := NewAccountNode(ProviderOpenAI, "o1", "ref", 1)
		n.UsageCount = 7
		n.RecordRequest(false, 0, now)
		require.False(t, n.IsHealthy)

		later := now.Add(time.Minute)
		n.Refresh(later)
		assert.True(t, n.IsHealthy)
		assert.Zero(t, n.ErrorCount)
		assert.Zero(t, n.UsageCount)
		assert.Equal(t, later, n.LastRefreshTime)
		assert.True(t, n.UnhealthySince.IsZero())
	})

	t.Run("Disabled is independent of health", func(t *testing.T) {
		n := NewAccountNode(ProviderOpenAI, "o1", "ref", 1)
		n.IsDisabled = true
		assert.True(t, n.IsHealthy)
		assert.False(t, n.Usable())
	})

	t.Run("Clone is detached", func(t *testing.T) {
		n := NewAccountNode(ProviderOpenAI, "o1", "ref", 3)
		c := n.Clone()
		c.UsageCount = 5
		assert.Zero(t, n.UsageCount)

		cred := n.Credential()
		assert.Equal(t, Credential{Provider: ProviderOpenAI, AccountID: "o1", Ref: "ref"}, cred)
	})
}
