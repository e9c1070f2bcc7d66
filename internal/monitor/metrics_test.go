package monitor

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/credfleet/internal/model"
	"github.com/t77yq/credfleet/internal/pool"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	t.Run("Pool observer", func(t *testing.T) {
		m.SelectionMade(model.ProviderAnthropic, "a1")
		m.SelectionMade(model.ProviderAnthropic, "a2")
		m.SelectionFailed(model.ProviderAnthropic, pool.ErrNoUsableAccount)
		m.SelectionFailed(model.ProviderGemini, pool.ErrUnknownProvider)

		assert.Equal(t, 2.0, promtest.ToFloat64(m.selections.WithLabelValues("anthropic", "selected")))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.selections.WithLabelValues("anthropic", "exhausted")))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.selections.WithLabelValues("gemini", "unknown_provider")))

		m.HealthChanged(model.ProviderAnthropic, "a1", false)
		assert.Equal(t, 0.0, promtest.ToFloat64(m.accountHealthy.WithLabelValues("anthropic", "a1")))
		m.HealthChanged(model.ProviderAnthropic, "a1", true)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.accountHealthy.WithLabelValues("anthropic", "a1")))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.healthChanges.WithLabelValues("anthropic", "unhealthy")))
	})

	t.Run("Attempt observer", func(t *testing.T) {
		m.AttemptStarted(model.ProviderOpenAI, false)
		m.AttemptStarted(model.ProviderOpenAI, true)
		assert.Equal(t, 2.0, promtest.ToFloat64(m.inFlight))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.replacements.WithLabelValues("openai")))

		m.AttemptFinished(model.ProviderOpenAI, model.Outcome{Kind: model.OutcomeSuccess, LatencyMs: 120})
		m.AttemptFinished(model.ProviderOpenAI, model.Outcome{
			Kind:   model.OutcomeRetryableFailure,
			Reason: model.ReasonTimeout,
		})
		assert.Equal(t, 0.0, promtest.ToFloat64(m.inFlight))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.attempts.WithLabelValues("openai", "success", "")))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.attempts.WithLabelValues("openai", "retryable_failure", "timeout")))
	})

	t.Run("Progress sink", func(t *testing.T) {
		m.Publish(model.Progress{RunID: "r1", Sequence: 2, TotalSubtasks: 5, Queued: 1, Working: 2, Succeeded: 2})
		assert.Equal(t, 2.0, promtest.ToFloat64(m.subtasks.WithLabelValues("working")))
		assert.Equal(t, 1.0, promtest.ToFloat64(m.subtasks.WithLabelValues("queued")))

		// a late snapshot of the same run does not move the gauges back
		m.Publish(model.Progress{RunID: "r1", Sequence: 1, TotalSubtasks: 5, Queued: 5})
		assert.Equal(t, 1.0, promtest.ToFloat64(m.subtasks.WithLabelValues("queued")))
		assert.Equal(t, 2.0, promtest.ToFloat64(m.subtasks.WithLabelValues("succeeded")))

		// a new run starts over
		m.Publish(model.Progress{RunID: "r2", Sequence: 1, TotalSubtasks: 3, Queued: 3})
		assert.Equal(t, 3.0, promtest.ToFloat64(m.subtasks.WithLabelValues("queued")))
		assert.Equal(t, 0.0, promtest.ToFloat64(m.subtasks.WithLabelValues("succeeded")))
	})

	t.Run("Handler", func(t *testing.T) {
		srv := httptest.NewServer(Handler(reg))
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), fmt.Sprintf("%s_pool_selections_total", namespace))
		assert.Contains(t, string(body), "credfleet_fleet_attempt_latency_seconds_bucket")
	})
}
