package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo    AlertSeverity = "info"
	AlertSeverityWarning AlertSeverity = "warning"
	AlertSeverityError   AlertSeverity = "error"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeAccountUnhealthy     AlertType = "account_unhealthy"
	AlertTypeAccountRecovered     AlertType = "account_recovered"
	AlertTypeCredentialExhaustion AlertType = "credential_exhaustion"
)

// Alert represents a credential pool event worth paging on
type Alert struct {
	ID         string        `json:"id"`
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Provider   Provider      `json:"provider"`
	AccountID  string        `json:"account_id,omitempty"`
	Message    string        `json:"message"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}
