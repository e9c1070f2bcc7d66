package fleet

import (
	"fmt"

	"github.com/t77yq/credfleet/internal/model"
)

// TierRouter maps a subtask tier to the provider whose accounts serve it
type TierRouter struct {
	routes   map[model.Tier]model.Provider
	fallback model.Provider
}

// NewTierRouter creates a router. fallback serves tiers without a route and
// may be empty.
func NewTierRouter(routes map[model.Tier]model.Provider, fallback model.Provider) *TierRouter {
	r := &TierRouter{
		routes:   make(map[model.Tier]model.Provider, len(routes)),
		fallback: fallback,
	}
	for tier, provider := range routes {
		r.routes[tier] = provider
	}
	return r
}

// Route returns the provider for tier
func (r *TierRouter) Route(tier model.Tier) (model.Provider, error) {
	if p, ok := r.routes[tier]; ok {
		return p, nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnroutableTier, tier)
}
