package pool

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/model"
)

const (
	// DefaultFreshnessWindow is how long a refreshed, unused account keeps top priority
	DefaultFreshnessWindow = 120 * time.Second

	usageWeight = 10000
	seqWeight   = 1000
)

var (
	scoreUnusable = math.Inf(1)
	scoreFresh    = math.Inf(-1)
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer is notified about selections and health transitions
type Observer interface {
	SelectionMade(provider model.Provider, accountID string)
	SelectionFailed(provider model.Provider, err error)
	HealthChanged(provider model.Provider, accountID string, healthy bool)
}

// Option configures a CredentialPool
type Option func(*CredentialPool)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(p *CredentialPool) { p.clock = c }
}

// WithFreshnessWindow overrides DefaultFreshnessWindow
func WithFreshnessWindow(d time.Duration) Option {
	return func(p *CredentialPool) { p.freshness = d }
}

// WithObserver registers an observer
func WithObserver(o Observer) Option {
	return func(p *CredentialPool) { p.observer = o }
}

// CredentialPool owns the accounts of every provider and picks the best one
// for each outbound call.
type CredentialPool struct {
	logger    *zap.Logger
	clock     Clock
	epoch     time.Time
	freshness time.Duration
	observer  Observer

	// mu guards accounts, every node in it and selectionSeq
	mu           sync.Mutex
	accounts     map[model.Provider][]*model.AccountNode
	selectionSeq uint64
}

// NewCredentialPool creates an empty pool
func NewCredentialPool(logger *zap.Logger, opts ...Option) *CredentialPool {
	p := &CredentialPool{
		logger:    logger.Named("credential-pool"),
		clock:     systemClock{},
		freshness: DefaultFreshnessWindow,
		accounts:  make(map[model.Provider][]*model.AccountNode),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.epoch = p.clock.Now()
	return p
}

// AddAccount inserts a node, or replaces the node with the same id in place
// so that tie-break order survives reloads.
func (p *CredentialPool) AddAccount(node *model.AccountNode) {
	n := node.Clone()

	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.accounts[n.Provider]
	for i, existing := range list {
		if existing.AccountID == n.AccountID {
			list[i] = n
			p.logger.Info("Account replaced",
				zap.String("provider", string(n.Provider)),
				zap.String("account_id", n.AccountID))
			return
		}
	}
	p.accounts[n.Provider] = append(list, n)

	p.logger.Info("Account added",
		zap.String("provider", string(n.Provider)),
		zap.String("account_id", n.AccountID))
}

// ReplaceProvider swaps the account list of one provider for a reloaded
// configuration. Accounts whose credential did not change keep their runtime
// state and position; rotated credentials come back refreshed; accounts
// missing from nodes are dropped and new ones are appended.
func (p *CredentialPool) ReplaceProvider(provider model.Provider, nodes []*model.AccountNode) {
	now := p.clock.Now()
	incoming := make(map[string]*model.AccountNode, len(nodes))
	for _, n := range nodes {
		incoming[n.AccountID] = n
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.accounts[provider]
	next := make([]*model.AccountNode, 0, len(nodes))
	kept := make(map[string]struct{}, len(old))
	var rotated, dropped int

	for _, existing := range old {
		n, ok := incoming[existing.AccountID]
		if !ok {
			dropped++
			continue
		}
		kept[existing.AccountID] = struct{}{}
		if n.CredentialRef == existing.CredentialRef {
			existing.MaxErrorCount = n.MaxErrorCount
			next = append(next, existing)
			continue
		}
		fresh := n.Clone()
		fresh.Provider = provider
		fresh.Refresh(now)
		next = append(next, fresh)
		rotated++
	}
	for _, n := range nodes {
		if _, ok := kept[n.AccountID]; ok {
			continue
		}
		c := n.Clone()
		c.Provider = provider
		next = append(next, c)
	}
	p.accounts[provider] = next

	p.logger.Info("Provider accounts reloaded",
		zap.String("provider", string(provider)),
		zap.Int("accounts", len(next)),
		zap.Int("rotated", rotated),
		zap.Int("dropped", dropped))
}

// Select picks the best usable account for provider and marks it used. The
// returned node is a snapshot; mutating it has no effect on the pool.
func (p *CredentialPool) Select(provider model.Provider) (*model.AccountNode, error) {
	node, err := p.selectLocked(provider)
	if err != nil {
		if p.observer != nil {
			p.observer.SelectionFailed(provider, err)
		}
		p.logger.Debug("No account selected",
			zap.String("provider", string(provider)),
			zap.Error(err))
		return nil, err
	}
	if p.observer != nil {
		p.observer.SelectionMade(provider, node.AccountID)
	}
	return node, nil
}

func (p *CredentialPool) selectLocked(provider model.Provider) (*model.AccountNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.accounts[provider]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	now := p.clock.Now()
	var best *model.AccountNode
	bestScore := scoreUnusable
	for _, n := range list {
		if s := p.score(n, now); s < bestScore {
			best, bestScore = n, s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoUsableAccount, provider)
	}

	p.selectionSeq++
	best.UsageCount++
	best.LastUsedTime = p.elapsed(now)
	best.LastSelectionSeq = p.selectionSeq

	return best.Clone(), nil
}

// score ranks a node for selection; lower wins
func (p *CredentialPool) score(n *model.AccountNode, now time.Time) float64 {
	if !n.Usable() {
		return scoreUnusable
	}
	if n.UsageCount == 0 && !n.LastRefreshTime.IsZero() && now.Sub(n.LastRefreshTime) < p.freshness {
		return scoreFresh
	}
	return n.LastUsedTime +
		float64(n.UsageCount)*usageWeight +
		float64(n.LastSelectionSeq)*seqWeight
}

// elapsed converts now into seconds on the pool's monotonic clock
func (p *CredentialPool) elapsed(now time.Time) float64 {
	return now.Sub(p.epoch).Seconds()
}

// RecordRequest applies the outcome of a call made with an account. Unknown
// accounts are logged and ignored.
func (p *CredentialPool) RecordRequest(provider model.Provider, accountID string, success bool, latencyMs int64) {
	p.mu.Lock()
	n := p.find(provider, accountID)
	if n == nil {
		p.mu.Unlock()
		p.logger.Warn("Request recorded for unknown account",
			zap.String("provider", string(provider)),
			zap.String("account_id", accountID))
		return
	}
	flipped := n.RecordRequest(success, latencyMs, p.clock.Now())
	errorCount := n.ErrorCount
	p.mu.Unlock()

	if flipped {
		p.logger.Warn("Account marked as unhealthy",
			zap.String("provider", string(provider)),
			zap.String("account_id", accountID),
			zap.Int("error_count", errorCount))
		if p.observer != nil {
			p.observer.HealthChanged(provider, accountID, false)
		}
	}
}

// MarkHealthy puts an account back in rotation without resetting its usage
func (p *CredentialPool) MarkHealthy(provider model.Provider, accountID string) error {
	return p.transition(provider, accountID, "Account marked as healthy", true, func(n *model.AccountNode, _ time.Time) {
		n.MarkHealthy()
	})
}

// MarkUnhealthy takes an account out of rotation
func (p *CredentialPool) MarkUnhealthy(provider model.Provider, accountID string) error {
	return p.transition(provider, accountID, "Account marked as unhealthy", false, func(n *model.AccountNode, now time.Time) {
		n.MarkUnhealthy(now)
	})
}

// Refresh resets an account as a freshly rotated credential, giving it top
// priority for the freshness window.
func (p *CredentialPool) Refresh(provider model.Provider, accountID string) error {
	return p.transition(provider, accountID, "Account refreshed", true, func(n *model.AccountNode, now time.Time) {
		n.Refresh(now)
	})
}

// SetDisabled sets or clears the manual disable gate
func (p *CredentialPool) SetDisabled(provider model.Provider, accountID string, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.find(provider, accountID)
	if n == nil {
		return fmt.Errorf("%w: %s/%s", ErrAccountNotFound, provider, accountID)
	}
	n.IsDisabled = disabled

	p.logger.Info("Account disable gate changed",
		zap.String("provider", string(provider)),
		zap.String("account_id", accountID),
		zap.Bool("disabled", disabled))
	return nil
}

func (p *CredentialPool) transition(provider model.Provider, accountID, msg string, healthy bool, apply func(*model.AccountNode, time.Time)) error {
	p.mu.Lock()
	n := p.find(provider, accountID)
	if n == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrAccountNotFound, provider, accountID)
	}
	apply(n, p.clock.Now())
	p.mu.Unlock()

	p.logger.Info(msg,
		zap.String("provider", string(provider)),
		zap.String("account_id", accountID))
	if p.observer != nil {
		p.observer.HealthChanged(provider, accountID, healthy)
	}
	return nil
}

// RecoverUnhealthy refreshes every enabled account that has been unhealthy
// for at least cooldown and returns the ids it refreshed.
func (p *CredentialPool) RecoverUnhealthy(cooldown time.Duration) []string {
	now := p.clock.Now()
	var recovered []model.Credential

	p.mu.Lock()
	for _, list := range p.accounts {
		for _, n := range list {
			if n.IsHealthy || n.IsDisabled || now.Sub(n.UnhealthySince) < cooldown {
				continue
			}
			n.Refresh(now)
			recovered = append(recovered, n.Credential())
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(recovered))
	for _, c := range recovered {
		ids = append(ids, c.AccountID)
		p.logger.Info("Account recovered",
			zap.String("provider", string(c.Provider)),
			zap.String("account_id", c.AccountID))
		if p.observer != nil {
			p.observer.HealthChanged(c.Provider, c.AccountID, true)
		}
	}
	return ids
}

// find must be called with mu held
func (p *CredentialPool) find(provider model.Provider, accountID string) *model.AccountNode {
	for _, n := range p.accounts[provider] {
		if n.AccountID == accountID {
			return n
		}
	}
	return nil
}

// Account returns a snapshot of one account
func (p *CredentialPool) Account(provider model.Provider, accountID string) (*model.AccountNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.find(provider, accountID)
	if n == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrAccountNotFound, provider, accountID)
	}
	return n.Clone(), nil
}

// Accounts returns snapshots of a provider's accounts in insertion order
func (p *CredentialPool) Accounts(provider model.Provider) []*model.AccountNode {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.accounts[provider]
	out := make([]*model.AccountNode, 0, len(list))
	for _, n := range list {
		out = append(out, n.Clone())
	}
	return out
}

// Providers lists the providers that have at least one account
func (p *CredentialPool) Providers() []model.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Provider, 0, len(p.accounts))
	for provider, list := range p.accounts {
		if len(list) > 0 {
			out = append(out, provider)
		}
	}
	return out
}

// SelectionSeq returns the global selection counter
func (p *CredentialPool) SelectionSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectionSeq
}

// Observers fans notifications out to several observers
type Observers []Observer

// SelectionMade implements Observer
func (o Observers) SelectionMade(provider model.Provider, accountID string) {
	for _, obs := range o {
		obs.SelectionMade(provider, accountID)
	}
}

// SelectionFailed implements Observer
func (o Observers) SelectionFailed(provider model.Provider, err error) {
	for _, obs := range o {
		obs.SelectionFailed(provider, err)
	}
}

// HealthChanged implements Observer
func (o Observers) HealthChanged(provider model.Provider, accountID string, healthy bool) {
	for _, obs := range o {
		obs.HealthChanged(provider, accountID, healthy)
	}
}
