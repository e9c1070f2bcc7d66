package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScheduleParser accepts optional-seconds cron specs and descriptors such as "@every 1m"
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// RecoverySweeper periodically refreshes accounts that have been unhealthy
// for longer than a cooldown.
type RecoverySweeper struct {
	logger   *zap.Logger
	pool     *CredentialPool
	schedule string
	cooldown time.Duration
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
	sweeps  int
}

// NewRecoverySweeper creates a sweeper for pool
func NewRecoverySweeper(pool *CredentialPool, schedule string, cooldown time.Duration, logger *zap.Logger) *RecoverySweeper {
	logger = logger.Named("recovery-sweeper")
	cl := &cronLogger{logger: logger}
	return &RecoverySweeper{
		logger:   logger,
		pool:     pool,
		schedule: schedule,
		cooldown: cooldown,
		cron: cron.New(
			cron.WithParser(ScheduleParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start registers the sweep job and starts the cron loop. It stops when ctx
// is done or Stop is called.
func (s *RecoverySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("Starting recovery sweeper",
		zap.String("schedule", s.schedule),
		zap.Duration("cooldown", s.cooldown))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish
func (s *RecoverySweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Stopped recovery sweeper")
}

// Sweep runs one recovery pass and returns the refreshed account ids
func (s *RecoverySweeper) Sweep() []string {
	ids := s.pool.RecoverUnhealthy(s.cooldown)

	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()

	if len(ids) > 0 {
		s.logger.Info("Recovery sweep refreshed accounts",
			zap.Strings("account_ids", ids))
	}
	return ids
}

// Sweeps returns how many passes have run
func (s *RecoverySweeper) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}
