package fleet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/t77yq/credfleet/internal/config"
	"github.com/t77yq/credfleet/internal/model"
)

// Config bounds a fleet run
type Config struct {
	MaxConcurrency    int
	MaxRetries        int
	PerAttemptTimeout time.Duration
	// SpawnRatePerSec throttles attempt starts; 0 disables the throttle
	SpawnRatePerSec float64
}

// ConfigFrom converts the loaded fleet settings
func ConfigFrom(fc config.FleetConfig) Config {
	return Config{
		MaxConcurrency:    fc.MaxConcurrency,
		MaxRetries:        fc.MaxRetries,
		PerAttemptTimeout: fc.PerAttemptTimeout(),
		SpawnRatePerSec:   fc.SpawnRatePerSec,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return &config.ConfigurationError{Field: "fleet.maxConcurrency", Reason: "must be at least 1"}
	case c.MaxRetries < 0:
		return &config.ConfigurationError{Field: "fleet.maxRetries", Reason: "must not be negative"}
	case c.PerAttemptTimeout <= 0:
		return &config.ConfigurationError{Field: "fleet.perAttemptTimeoutMs", Reason: "must be positive"}
	case c.SpawnRatePerSec < 0:
		return &config.ConfigurationError{Field: "fleet.spawnRatePerSec", Reason: "must not be negative"}
	}
	return nil
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithProgressSink adds a receiver of progress snapshots
func WithProgressSink(s ProgressSink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s) }
}

// WithAttemptRecorder stores an audit entry for every attempt
func WithAttemptRecorder(r AttemptRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver registers an attempt observer
func WithObserver(obs AttemptObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// Orchestrator fans subtasks out to concurrent workers, replaces failed
// workers within the retry budget and aggregates the outcomes.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	pool     CredentialSelector
	router   *TierRouter
	executor Executor

	latest   *LatestProgress
	sinks    multiSink
	recorder AttemptRecorder
	observer AttemptObserver

	agentSeq atomic.Uint64
}

// NewOrchestrator creates an orchestrator. Invalid settings are returned as
// *config.ConfigurationError.
func NewOrchestrator(cfg Config, pool CredentialSelector, router *TierRouter, executor Executor, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if pool == nil || router == nil || executor == nil {
		return nil, &config.ConfigurationError{Field: "fleet", Reason: "pool, router and executor are required"}
	}

	o := &Orchestrator{
		logger:   logger.Named("fleet"),
		cfg:      cfg,
		pool:     pool,
		router:   router,
		executor: executor,
		latest:   &LatestProgress{},
	}
	o.sinks = multiSink{o.latest}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Progress returns the newest snapshot of the current or last run
func (o *Orchestrator) Progress() (model.Progress, bool) {
	return o.latest.Latest()
}

// run carries the per-run collaborators shared by the subtask loops
type run struct {
	id      string
	roster  *roster
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// Run executes every subtask and returns the finalized report. Attempt
// failures never surface as errors; only invalid input and cancellation do.
// On cancellation the report is still returned, with unfinished subtasks
// marked skipped, together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, task string, subtasks []model.Subtask) (*model.ExecutionReport, error) {
	providers, err := o.validate(subtasks)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	r := &run{
		id:     runID,
		roster: newRoster(runID, task, len(subtasks), time.Now()),
		sem:    semaphore.NewWeighted(int64(o.cfg.MaxConcurrency)),
	}
	if o.cfg.SpawnRatePerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(o.cfg.SpawnRatePerSec), 1)
	}

	o.logger.Info("Starting fleet run",
		zap.String("run_id", r.id),
		zap.Int("subtasks", len(subtasks)),
		zap.Int("max_concurrency", o.cfg.MaxConcurrency),
		zap.Int("max_retries", o.cfg.MaxRetries))
	o.sinks.Publish(r.roster.snapshot())

	var wg sync.WaitGroup
	for i, st := range subtasks {
		wg.Add(1)
		go func(st model.Subtask, provider model.Provider) {
			defer wg.Done()
			o.runSubtask(ctx, r, st, provider)
		}(st, providers[i])
	}
	wg.Wait()

	report := r.roster.finalize(time.Now())
	o.sinks.Publish(r.roster.snapshot())

	o.logger.Info("Fleet run finished",
		zap.String("run_id", r.id),
		zap.Bool("success", report.Success),
		zap.Int("succeeded", report.Totals.Succeeded),
		zap.Int("permanently_failed", report.Totals.PermanentlyFailed),
		zap.Int("skipped", report.Totals.Skipped),
		zap.Int("replacements", report.Totals.ReplacementAgents))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// validate checks the subtask list and resolves each subtask's provider
func (o *Orchestrator) validate(subtasks []model.Subtask) ([]model.Provider, error) {
	if len(subtasks) == 0 {
		return nil, &config.ConfigurationError{Field: "subtasks", Reason: "empty", Err: ErrEmptySubtasks}
	}

	providers := make([]model.Provider, len(subtasks))
	seen := make(map[string]struct{}, len(subtasks))
	for i, st := range subtasks {
		field := fmt.Sprintf("subtasks[%d]", i)
		if st.ID == "" {
			return nil, &config.ConfigurationError{Field: field + ".id", Reason: "must not be empty"}
		}
		if _, dup := seen[st.ID]; dup {
			return nil, &config.ConfigurationError{Field: field + ".id", Reason: st.ID, Err: ErrDuplicateSubtask}
		}
		seen[st.ID] = struct{}{}
		if st.RetryCount < 0 || st.RetryCount > o.cfg.MaxRetries {
			return nil, &config.ConfigurationError{Field: field + ".retry_count", Reason: "outside the retry budget"}
		}

		p, err := o.router.Route(st.Tier)
		if err != nil {
			return nil, &config.ConfigurationError{Field: field + ".tier", Reason: "unroutable", Err: err}
		}
		providers[i] = p
	}
	return providers, nil
}

// acquire waits for the spawn throttle and a concurrency slot. It fails only
// when ctx is done.
func (o *Orchestrator) acquire(ctx context.Context, r *run) error {
	if r.limiter != nil {
		if err := throttle(ctx, r.limiter); err != nil {
			return err
		}
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	// a slot may be granted in the same instant the run is cancelled
	if err := ctx.Err(); err != nil {
		r.sem.Release(1)
		return err
	}
	return nil
}

// throttle waits for a spawn token. Unlike rate.Limiter.Wait it does not
// give up early when the delay runs past the ctx deadline.
func throttle(ctx context.Context, limiter *rate.Limiter) error {
	res := limiter.Reserve()
	if !res.OK() {
		return fmt.Errorf("spawn throttle: burst too small")
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

func (o *Orchestrator) runSubtask(ctx context.Context, r *run, st model.Subtask, provider model.Provider) {
	var (
		chain   []uint64
		outcome model.Outcome
	)

	for {
		if err := o.acquire(ctx, r); err != nil {
			o.skip(r, st, chain, outcome)
			return
		}

		agentID := o.agentSeq.Add(1)
		chain = append(chain, agentID)
		replacement := len(chain) > 1
		o.sinks.Publish(r.roster.startAgent(agentID, st, replacement))

		outcome = o.attempt(ctx, r.id, st, provider, agentID, replacement)
		r.sem.Release(1)

		if outcome.Succeeded() {
			o.complete(r, st, chain, agentID, model.SubtaskSucceeded, model.AgentSucceeded, outcome)
			return
		}

		if st.RetryCount >= o.cfg.MaxRetries {
			o.logger.Warn("Subtask permanently failed",
				zap.String("subtask_id", st.ID),
				zap.Uint64("agent_id", agentID),
				zap.Int("retry_count", st.RetryCount),
				zap.String("reason", string(outcome.Reason)))
			outcome.Kind = model.OutcomePermanentFailure
			o.complete(r, st, chain, agentID, model.SubtaskPermanentlyFailed, model.AgentFailed, outcome)
			return
		}

		if ctx.Err() != nil {
			o.sinks.Publish(r.roster.endAgent(agentID, model.AgentFailed))
			o.skip(r, st, chain, outcome)
			return
		}

		o.logger.Info("Replacing failed agent",
			zap.String("subtask_id", st.ID),
			zap.Uint64("agent_id", agentID),
			zap.Int("retry_count", st.RetryCount+1),
			zap.String("reason", string(outcome.Reason)))
		o.sinks.Publish(r.roster.endAgent(agentID, model.AgentReplaced))
		st.RetryCount++
	}
}

func (o *Orchestrator) complete(r *run, st model.Subtask, chain []uint64, agentID uint64, status model.SubtaskStatus, agentStatus model.AgentStatus, outcome model.Outcome) {
	sr := model.SubtaskReport{
		ID:         st.ID,
		Status:     status,
		RetryCount: st.RetryCount,
		AgentChain: chain,
		LatencyMs:  outcome.LatencyMs,
		Tokens:     outcome.Tokens,
		Output:     outcome.Output,
		Reason:     outcome.Reason,
		Error:      outcome.Error,
	}
	p, err := r.roster.finish(agentID, agentStatus, sr)
	if err != nil {
		o.logger.Error("Failed to record subtask outcome",
			zap.String("subtask_id", st.ID),
			zap.Error(err))
		return
	}
	o.sinks.Publish(p)
}

// skip records a subtask that will not run again because of cancellation
func (o *Orchestrator) skip(r *run, st model.Subtask, chain []uint64, last model.Outcome) {
	if chain == nil {
		chain = []uint64{}
	}
	sr := model.SubtaskReport{
		ID:         st.ID,
		Status:     model.SubtaskSkipped,
		RetryCount: st.RetryCount,
		AgentChain: chain,
		LatencyMs:  last.LatencyMs,
		Reason:     model.ReasonCancelled,
		Error:      last.Error,
	}
	p, err := r.roster.finish(0, "", sr)
	if err != nil {
		o.logger.Error("Failed to record skipped subtask",
			zap.String("subtask_id", st.ID),
			zap.Error(err))
		return
	}
	o.sinks.Publish(p)
}
