package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/model"
	"github.com/t77yq/credfleet/internal/pool"
)

const (
	alertStreamName = "ALERTS"
	alertSubjects   = "alert.*"
)

var _ pool.Observer = (*AlertManager)(nil)

// AlertManager turns pool health transitions into alerts on JetStream.
// An unhealthy account opens an alert that its recovery resolves; a provider
// running out of usable accounts raises one alert until a selection succeeds.
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext

	mu        sync.Mutex
	open      map[string]*model.Alert
	exhausted map[model.Provider]bool
}

// NewAlertManager creates an alert manager and the ALERTS stream if missing
func NewAlertManager(js nats.JetStreamContext, logger *zap.Logger) (*AlertManager, error) {
	m := &AlertManager{
		logger:    logger.Named("alert-manager"),
		js:        js,
		open:      make(map[string]*model.Alert),
		exhausted: make(map[model.Provider]bool),
	}

	stream, err := js.StreamInfo(alertStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream == nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{alertSubjects},
			MaxAge:   7 * 24 * time.Hour,
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	m.logger.Info("Alert manager started")
	return m, nil
}

func accountKey(provider model.Provider, accountID string) string {
	return string(provider) + "/" + accountID
}

// SelectionMade implements pool.Observer
func (m *AlertManager) SelectionMade(provider model.Provider, accountID string) {
	m.mu.Lock()
	delete(m.exhausted, provider)
	m.mu.Unlock()
}

// SelectionFailed implements pool.Observer
func (m *AlertManager) SelectionFailed(provider model.Provider, err error) {
	m.mu.Lock()
	if m.exhausted[provider] {
		m.mu.Unlock()
		return
	}
	m.exhausted[provider] = true
	m.mu.Unlock()

	m.publish(&model.Alert{
		ID:        uuid.New().String(),
		Type:      model.AlertTypeCredentialExhaustion,
		Severity:  model.AlertSeverityError,
		Provider:  provider,
		Message:   fmt.Sprintf("No usable credential for %s: %v", provider, err),
		CreatedAt: time.Now(),
	})
}

// HealthChanged implements pool.Observer
func (m *AlertManager) HealthChanged(provider model.Provider, accountID string, healthy bool) {
	key := accountKey(provider, accountID)
	now := time.Now()

	m.mu.Lock()
	opened, isOpen := m.open[key]
	var alert *model.Alert
	switch {
	case !healthy && !isOpen:
		alert = &model.Alert{
			ID:        uuid.New().String(),
			Type:      model.AlertTypeAccountUnhealthy,
			Severity:  model.AlertSeverityWarning,
			Provider:  provider,
			AccountID: accountID,
			Message:   fmt.Sprintf("Account %s of %s taken out of rotation", accountID, provider),
			CreatedAt: now,
		}
		m.open[key] = alert
	case healthy && isOpen:
		delete(m.open, key)
		alert = &model.Alert{
			ID:         opened.ID,
			Type:       model.AlertTypeAccountRecovered,
			Severity:   model.AlertSeverityInfo,
			Provider:   provider,
			AccountID:  accountID,
			Message:    fmt.Sprintf("Account %s of %s back in rotation", accountID, provider),
			CreatedAt:  opened.CreatedAt,
			ResolvedAt: &now,
		}
	}
	m.mu.Unlock()

	if alert != nil {
		m.publish(alert)
	}
}

// Active returns the unresolved alerts ordered by creation time
func (m *AlertManager) Active() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// publish sends the alert without waiting; observers run on the selection path
func (m *AlertManager) publish(alert *model.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}

	if _, err := m.js.PublishAsync("alert."+string(alert.Type), data); err != nil {
		m.logger.Error("Failed to publish alert",
			zap.String("id", alert.ID),
			zap.Error(err))
		return
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("provider", string(alert.Provider)),
		zap.String("account_id", alert.AccountID))
}
