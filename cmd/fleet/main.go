package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/config"
	"github.com/t77yq/credfleet/internal/fleet"
	"github.com/t77yq/credfleet/internal/handler"
	"github.com/t77yq/credfleet/internal/model"
	"github.com/t77yq/credfleet/internal/monitor"
	"github.com/t77yq/credfleet/internal/pool"
	"github.com/t77yq/credfleet/internal/storage"
)

type options struct {
	configPath   string
	subtasksPath string
	task         string
	outPath      string
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("credfleet", pflag.ExitOnError)
	var opts options
	flags.StringVarP(&opts.configPath, "config", "c", "config/credfleet.yaml", "configuration file")
	flags.StringVarP(&opts.subtasksPath, "subtasks", "s", "", "JSON file with the subtask list")
	flags.StringVarP(&opts.task, "task", "t", "", "task description recorded in the report")
	flags.StringVarP(&opts.outPath, "out", "o", "", "report file, stdout when empty")

	// overrides bound to config keys
	flags.Int("fleet.maxConcurrency", 0, "override fleet.maxConcurrency")
	flags.Int("fleet.maxRetries", 0, "override fleet.maxRetries")
	flags.String("log.level", "", "override log.level")
	_ = flags.Parse(os.Args[1:])

	if opts.subtasksPath == "" {
		fmt.Fprintln(os.Stderr, "--subtasks is required")
		flags.Usage()
		return 2
	}

	loader := config.NewLoader(opts.configPath, nil)
	if err := loader.BindFlags(flags); err != nil {
		log.Printf("Failed to bind flags: %v", err)
		return 2
	}
	cfg, err := loader.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 2
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 2
	}
	defer logger.Sync()
	loader.SetLogger(logger)

	subtasks, err := readSubtasks(opts.subtasksPath)
	if err != nil {
		logger.Error("Failed to read subtasks", zap.Error(err))
		return 2
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(reg)

	observers := pool.Observers{metrics}
	fleetOpts := []fleet.Option{
		fleet.WithObserver(metrics),
		fleet.WithProgressSink(metrics),
	}

	var publisher *monitor.Publisher
	if url := cfg.Monitor.NATSURL; url != "" {
		nc, err := connectNATS(ctx, url, logger)
		if err != nil {
			logger.Error("Failed to connect to NATS", zap.Error(err))
			return 2
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Error("Failed to create JetStream context", zap.Error(err))
			return 2
		}

		host := monitor.NewHostSampler(cfg.Monitor.HostSampleInterval(), logger)
		host.Start(ctx)
		defer host.Stop()

		publisher, err = monitor.NewPublisher(js, cfg.Monitor.ProgressSubject, host, logger)
		if err != nil {
			logger.Error("Failed to create progress publisher", zap.Error(err))
			return 2
		}
		fleetOpts = append(fleetOpts, fleet.WithProgressSink(publisher))

		alerts, err := monitor.NewAlertManager(js, logger)
		if err != nil {
			logger.Error("Failed to create alert manager", zap.Error(err))
			return 2
		}
		observers = append(observers, alerts)
	}

	credPool := pool.NewCredentialPool(logger,
		pool.WithFreshnessWindow(cfg.Fleet.FreshnessWindow()),
		pool.WithObserver(observers))
	for _, provider := range cfg.Providers() {
		credPool.ReplaceProvider(provider, cfg.AccountNodes(provider))
	}

	if schedule := cfg.Pool.Recovery.Schedule; schedule != "" {
		sweeper := pool.NewRecoverySweeper(credPool, schedule, cfg.Pool.Recovery.Cooldown(), logger)
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("Failed to start recovery sweeper", zap.Error(err))
			return 2
		}
		defer sweeper.Stop()
	}

	// Account changes reach the running pool; fleet settings apply to the next run
	loader.Watch(func(next *config.Config) {
		for _, provider := range next.Providers() {
			credPool.ReplaceProvider(provider, next.AccountNodes(provider))
		}
	})

	if path := cfg.Storage.HistoryPath; path != "" {
		history, err := storage.NewSQLiteAttemptHistory(logger, path)
		if err != nil {
			logger.Error("Failed to create attempt history storage", zap.Error(err))
			return 2
		}
		defer history.Close()
		fleetOpts = append(fleetOpts, fleet.WithAttemptRecorder(history))
	}

	if addr := cfg.Monitor.MetricsAddr; addr != "" {
		srv := startMetricsServer(addr, reg, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	executor, err := handler.NewShellCommandExecutor(handler.ShellCommandConfig{
		Command:    cfg.Executor.Command,
		Args:       cfg.Executor.Args,
		Env:        cfg.Executor.Env,
		WorkingDir: cfg.Executor.WorkingDir,
	}, logger)
	if err != nil {
		logger.Error("Failed to create executor", zap.Error(err))
		return 2
	}

	routes, fallback := cfg.TierRoutes()
	orchestrator, err := fleet.NewOrchestrator(fleet.ConfigFrom(cfg.Fleet), credPool,
		fleet.NewTierRouter(routes, fallback), executor, logger, fleetOpts...)
	if err != nil {
		logger.Error("Failed to create orchestrator", zap.Error(err))
		return 2
	}

	report, runErr := orchestrator.Run(ctx, opts.task, subtasks)
	if report == nil {
		logger.Error("Fleet run rejected", zap.Error(runErr))
		return 2
	}
	if runErr != nil {
		logger.Warn("Fleet run interrupted", zap.Error(runErr))
	}

	if publisher != nil {
		publishCtx, publishCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := publisher.PublishReport(publishCtx, report); err != nil {
			logger.Error("Failed to publish report", zap.Error(err))
		}
		if err := publisher.Flush(publishCtx); err != nil {
			logger.Warn("Progress not fully published", zap.Error(err))
		}
		publishCancel()
	}

	for provider, stats := range credPool.AllStats() {
		logger.Info("Provider stats",
			zap.String("provider", string(provider)),
			zap.Int("healthy_accounts", stats.HealthyAccounts),
			zap.Int("total_accounts", stats.TotalAccounts),
			zap.Int64("total_requests", stats.TotalRequests),
			zap.Float64("avg_success_rate", stats.AvgSuccessRate),
			zap.Float64("avg_latency_ms", stats.AvgLatencyMs))
	}

	if err := writeReport(opts.outPath, report); err != nil {
		logger.Error("Failed to write report", zap.Error(err))
		return 1
	}

	if !report.Success {
		return 1
	}
	return 0
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "log.level", Reason: "invalid level", Err: err}
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func readSubtasks(path string) ([]model.Subtask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subtasks file: %w", err)
	}
	var subtasks []model.Subtask
	if err := json.Unmarshal(data, &subtasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subtasks: %w", err)
	}
	return subtasks, nil
}

func writeReport(path string, report *model.ExecutionReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func connectNATS(ctx context.Context, url string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("credfleet"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			logger.Info("Connected to NATS successfully",
				zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(i+1)):
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", maxRetries, err)
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", monitor.Handler(reg))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return srv
}
