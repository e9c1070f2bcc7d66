package model

import (
	"fmt"
	"time"
)

// Provider identifies the upstream backend a credential belongs to
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderLocal     Provider = "local"
)

var knownProviders = map[Provider]struct{}{
	ProviderAnthropic: {},
	ProviderOpenAI:    {},
	ProviderGemini:    {},
	ProviderDeepSeek:  {},
	ProviderLocal:     {},
}

// ParseProvider converts a configuration string into a Provider
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the supported providers
func (p Provider) Valid() bool {
	_, ok := knownProviders[p]
	return ok
}

// DefaultMaxErrorCount is used when an account does not configure its own threshold
const DefaultMaxErrorCount = 3

// Credential is the view of an account handed to an executor
type Credential struct {
	Provider  Provider `json:"provider"`
	AccountID string   `json:"account_id"`
	Ref       string   `json:"-"`
}

// AccountNode holds one credential together with its health, usage and
// performance state. It is not safe for concurrent use; the pool guards it.
type AccountNode struct {
	AccountID     string   `json:"account_id"`
	Provider      Provider `json:"provider"`
	CredentialRef string   `json:"-"`

	IsHealthy      bool      `json:"is_healthy"`
	IsDisabled     bool      `json:"is_disabled"`
	ErrorCount     int       `json:"error_count"`
	MaxErrorCount  int       `json:"max_error_count"`
	UnhealthySince time.Time `json:"unhealthy_since,omitempty"`

	UsageCount       int       `json:"usage_count"`
	LastUsedTime     float64   `json:"last_used_time"`
	LastRefreshTime  time.Time `json:"last_refresh_time,omitempty"`
	LastSelectionSeq uint64    `json:"last_selection_seq"`

	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	TotalLatency       int64 `json:"total_latency_ms"`
}

// NewAccountNode creates a healthy, unused account
func NewAccountNode(provider Provider, accountID, credentialRef string, maxErrorCount int) *AccountNode {
	if maxErrorCount <= 0 {
		maxErrorCount = DefaultMaxErrorCount
	}
	return &AccountNode{
		AccountID:     accountID,
		Provider:      provider,
		CredentialRef: credentialRef,
		IsHealthy:     true,
		MaxErrorCount: maxErrorCount,
	}
}

// Clone returns a detached copy of the node
func (n *AccountNode) Clone() *AccountNode {
	c := *n
	return &c
}

// Credential returns the executor-facing view of the node
func (n *AccountNode) Credential() Credential {
	return Credential{
		Provider:  n.Provider,
		AccountID: n.AccountID,
		Ref:       n.CredentialRef,
	}
}

// Usable reports whether the node may be returned by a selection
func (n *AccountNode) Usable() bool {
	return n.IsHealthy && !n.IsDisabled
}

// SuccessRate is successful/total, or 1.0 before the first request
func (n *AccountNode) SuccessRate() float64 {
	if n.TotalRequests == 0 {
		return 1.0
	}
	return float64(n.SuccessfulRequests) / float64(n.TotalRequests)
}

// AvgLatency is the mean latency of successful requests in milliseconds
func (n *AccountNode) AvgLatency() float64 {
	if n.SuccessfulRequests == 0 {
		return 0
	}
	return float64(n.TotalLatency) / float64(n.SuccessfulRequests)
}

// RecordRequest applies the outcome of one request. It returns true when this
// call flipped the node to unhealthy.
func (n *AccountNode) RecordRequest(success bool, latencyMs int64, now time.Time) bool {
	n.TotalRequests++
	if success {
		n.SuccessfulRequests++
		n.TotalLatency += latencyMs
		n.ErrorCount = 0
		return false
	}

	n.ErrorCount++
	if n.IsHealthy && n.ErrorCount >= n.MaxErrorCount {
		n.IsHealthy = false
		n.UnhealthySince = now
		return true
	}
	return false
}

// MarkHealthy clears the error state without touching usage
func (n *AccountNode) MarkHealthy() {
	n.IsHealthy = true
	n.ErrorCount = 0
	n.UnhealthySince = time.Time{}
}

// MarkUnhealthy takes the node out of rotation until it is refreshed
func (n *AccountNode) MarkUnhealthy(now time.Time) {
	if n.IsHealthy {
		n.UnhealthySince = now
	}
	n.IsHealthy = false
}

// Refresh puts the node back in rotation as a freshly rotated credential
func (n *AccountNode) Refresh(now time.Time) {
	n.MarkHealthy()
	n.UsageCount = 0
	n.LastRefreshTime = now
}
