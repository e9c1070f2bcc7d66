package pool

import (
	"fmt"

	"github.com/t77yq/credfleet/internal/model"
)

// ProviderStats aggregates the state of one provider's accounts
type ProviderStats struct {
	Provider         model.Provider `json:"provider"`
	TotalAccounts    int            `json:"total_accounts"`
	HealthyAccounts  int            `json:"healthy_accounts"`
	DisabledAccounts int            `json:"disabled_accounts"`
	UsableAccounts   int            `json:"usable_accounts"`
	TotalRequests    int64          `json:"total_requests"`
	AvgUsage         float64        `json:"avg_usage"`
	AvgSuccessRate   float64        `json:"avg_success_rate"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
}

// Stats aggregates one provider. The lock is held only for the snapshot copy.
func (p *CredentialPool) Stats(provider model.Provider) (ProviderStats, error) {
	nodes := p.Accounts(provider)
	if len(nodes) == 0 {
		return ProviderStats{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return aggregate(provider, nodes), nil
}

// AllStats aggregates every provider
func (p *CredentialPool) AllStats() map[model.Provider]ProviderStats {
	p.mu.Lock()
	snapshot := make(map[model.Provider][]*model.AccountNode, len(p.accounts))
	for provider, list := range p.accounts {
		nodes := make([]*model.AccountNode, 0, len(list))
		for _, n := range list {
			nodes = append(nodes, n.Clone())
		}
		snapshot[provider] = nodes
	}
	p.mu.Unlock()

	out := make(map[model.Provider]ProviderStats, len(snapshot))
	for provider, nodes := range snapshot {
		if len(nodes) == 0 {
			continue
		}
		out[provider] = aggregate(provider, nodes)
	}
	return out
}

func aggregate(provider model.Provider, nodes []*model.AccountNode) ProviderStats {
	s := ProviderStats{
		Provider:      provider,
		TotalAccounts: len(nodes),
	}

	var usage, successRate, latency float64
	var withLatency int
	for _, n := range nodes {
		if n.IsHealthy {
			s.HealthyAccounts++
		}
		if n.IsDisabled {
			s.DisabledAccounts++
		}
		if n.Usable() {
			s.UsableAccounts++
		}
		s.TotalRequests += n.TotalRequests
		usage += float64(n.UsageCount)
		successRate += n.SuccessRate()
		if n.SuccessfulRequests > 0 {
			latency += n.AvgLatency()
			withLatency++
		}
	}

	count := float64(len(nodes))
	s.AvgUsage = usage / count
	s.AvgSuccessRate = successRate / count
	if withLatency > 0 {
		s.AvgLatencyMs = latency / float64(withLatency)
	}
	return s
}
