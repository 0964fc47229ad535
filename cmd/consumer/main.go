// Package main boots the consumer group host, wiring configuration, logger,
// broker client, stream filter, processor provider, and the group host.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ibs-source/streamhost/internal/broker"
	"github.com/ibs-source/streamhost/internal/config"
	"github.com/ibs-source/streamhost/internal/domain"
	"github.com/ibs-source/streamhost/internal/examplesink"
	"github.com/ibs-source/streamhost/internal/filter"
	"github.com/ibs-source/streamhost/internal/group"
	"github.com/ibs-source/streamhost/internal/logger"
	core "github.com/ibs-source/streamhost/internal/ports"
	"github.com/ibs-source/streamhost/internal/provider"
	runtimex "github.com/ibs-source/streamhost/internal/runtime"
	"github.com/ibs-source/streamhost/pkg/circuitbreaker"
)

// Exit codes (spec.md §6).
const (
	exitOK           = 0
	exitStartupError = 1
	exitFatalError   = 3
)

// Application wires and owns the consumer group host's dependencies.
type Application struct {
	config    *config.Config
	logger    core.Logger
	broker    *broker.Client
	groupHost *group.Host
	healthSrv *http.Server
	metrics   *domain.Metrics
	wg        sync.WaitGroup
	fatal     chan struct{}
	runErr    error
}

func main() {
	os.Exit(run())
}

// run contains the program logic and returns an exit code.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitStartupError
	}

	logr, err := logger.NewLogrusLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitStartupError
	}

	app := &Application{
		config:  cfg,
		logger:  logr,
		metrics: domain.NewMetrics(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		logr.Error("failed to start application", core.Field{Key: "error", Value: err.Error()})
		return exitStartupError
	}

	if cfg.App.LogLevel == "debug" {
		app.wg.Add(1)
		go app.logMetrics(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var fatal bool
	select {
	case sig := <-sigChan:
		logr.Info("received shutdown signal", core.Field{Key: "signal", Value: sig.String()})
	case <-app.fatal:
		logr.Error("group host exited unexpectedly", core.Field{Key: "error", Value: app.runErr.Error()})
		fatal = true
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logr.Error("failed to shutdown gracefully", core.Field{Key: "error", Value: err.Error()})
		return exitFatalError
	}
	if fatal {
		return exitFatalError
	}

	logr.Info("application shutdown complete")
	return exitOK
}

// Start wires dependencies and launches the group host's poll loop on a
// dedicated goroutine.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting application",
		core.Field{Key: "name", Value: app.config.App.Name},
		core.Field{Key: "environment", Value: app.config.App.Environment},
	)

	app.applyCPUAffinityIfConfigured()

	app.fatal = make(chan struct{})

	brokerClient, err := broker.New(broker.Config{
		BootstrapServers: app.config.Kafka.BootstrapServers,
		GroupID:          app.config.Kafka.GroupID,
		ClientID:         app.config.Kafka.ClientID,
		AutoOffsetReset:  app.config.Kafka.AutoOffsetReset,
		SessionTimeout:   app.config.Kafka.SessionTimeout,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create broker client: %w", err)
	}
	app.broker = brokerClient

	streamFilter := filter.NewSuffixFilter(app.config.GroupHost.StreamNameSuffix)

	proc, err := app.buildProcessor()
	if err != nil {
		return fmt.Errorf("failed to build processor: %w", err)
	}
	processorProvider := provider.NewCachingProvider(func(string) (core.Processor, error) {
		return proc, nil
	}, nil)

	blockingCB := app.makeBlockingCallCB()

	app.groupHost = group.New(brokerClient, streamFilter, processorProvider, app.logger, app.metrics, blockingCB,
		group.Config{
			PollTimeout:         app.config.GroupHost.PollTimeout,
			SubscriptionRefresh: app.config.GroupHost.SubscriptionRefresh,
			HostQueueSize:       app.config.GroupHost.QueueSize,
			HostMaxBatch:        app.config.GroupHost.MaxBatchSize,
		})

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		err := app.groupHost.Run(ctx)
		if err != nil && err != context.Canceled {
			app.runErr = err
			close(app.fatal)
		}
	}()

	if app.config.Health.Enabled {
		app.startHealthServer()
	}

	app.logger.Info("application started successfully")
	return nil
}

// buildProcessor selects a concrete ports.Processor plugin by
// config.Processor.Kind. "logging" (the default) requires nothing further;
// the other kinds are example deployments exercising additional teacher
// dependencies (spec.md's concrete processors are explicitly out of the
// core's scope, these exist only to demonstrate wiring one).
func (app *Application) buildProcessor() (core.Processor, error) {
	switch app.config.Processor.Kind {
	case "errorforward":
		return examplesink.NewErrorForwardProcessor(examplesink.ErrorForwardConfig{
			Brokers:        splitCSV(app.config.Processor.Env["BROKERS"], "tcp://localhost:1883"),
			ClientID:       app.config.Processor.Env["CLIENT_ID"],
			Topic:          envOr(app.config.Processor.Env["TOPIC"], "streamhost/errors"),
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
			WriteTimeout:   5 * time.Second,
		}, app.logger)
	case "metricsagg":
		return examplesink.NewMetricsAggProcessor(examplesink.MetricsAggConfig{
			RedisAddr: envOr(app.config.Processor.Env["REDIS_ADDR"], "localhost:6379"),
		}, app.logger), nil
	default:
		return examplesink.NewLoggingProcessor(app.logger), nil
	}
}

func envOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitCSV(v, def string) []string {
	if v == "" {
		v = def
	}
	return strings.Split(v, ",")
}

// applyCPUAffinityIfConfigured calls runtimex.ApplyProcessAffinity when a CPU
// set is configured and logs a warning on failure. ApplyProcessAffinity is a
// no-op on every platform in this build, so no affinity is actually set.
func (app *Application) applyCPUAffinityIfConfigured() {
	if len(app.config.GroupHost.CPUAffinity) == 0 {
		return
	}
	if err := runtimex.ApplyProcessAffinity(runtimex.AffinitySpec{CPUSet: app.config.GroupHost.CPUAffinity}); err != nil {
		app.logger.Warn("failed to apply CPU affinity (best-effort)", core.Field{Key: "error", Value: err.Error()})
		return
	}
	app.logger.Info("applied CPU affinity", core.Field{Key: "cpus", Value: app.config.GroupHost.CPUAffinity})
}

// makeBlockingCallCB constructs the circuit breaker guarding blocking broker
// calls (offsets_for_times, get_metadata) that could otherwise stall the
// poll thread indefinitely.
func (app *Application) makeBlockingCallCB() core.CircuitBreaker {
	if !app.config.CircuitBreaker.Enabled {
		return nil
	}
	return circuitbreaker.New(
		"broker-blocking-calls",
		app.config.CircuitBreaker.ErrorThreshold,
		app.config.CircuitBreaker.SuccessThreshold,
		app.config.CircuitBreaker.Timeout,
		app.config.CircuitBreaker.MaxConcurrentCalls,
		app.config.CircuitBreaker.RequestVolumeThreshold,
	)
}

// Shutdown shuts down the application gracefully.
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("shutting down application")

	if app.healthSrv != nil {
		if err := app.healthSrv.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown health server", core.Field{Key: "error", Value: err.Error()})
		}
	}

	app.wg.Wait()

	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Error("failed to close broker client", core.Field{Key: "error", Value: err.Error()})
		}
	}
	return nil
}

func (app *Application) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", app.healthHandler)
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.HandleFunc("/ready", app.readyHandler)
	mux.HandleFunc("/live", app.liveHandler)

	app.healthSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", app.config.Health.Port),
		Handler:      mux,
		ReadTimeout:  app.config.Health.ReadTimeout,
		WriteTimeout: app.config.Health.WriteTimeout,
	}

	app.wg.Add(1)
	go app.runHealthServer()
}

func (app *Application) runHealthServer() {
	defer app.wg.Done()
	app.logger.Info("starting health server", core.Field{Key: "port", Value: app.config.Health.Port})

	err := app.healthSrv.ListenAndServe()
	if err == nil || err == http.ErrServerClosed {
		return
	}
	app.logger.Error("health server error", core.Field{Key: "error", Value: err.Error()})
}

func (app *Application) healthHandler(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-app.fatal:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, `{"status":"unhealthy","message":"group host exited","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
	}
}

func (app *Application) readyHandler(w http.ResponseWriter, _ *http.Request) {
	app.healthHandler(w, nil)
}

func (app *Application) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"alive","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// logMetrics periodically logs metrics to the console when in debug mode.
func (app *Application) logMetrics(ctx context.Context) {
	defer app.wg.Done()

	ticker := time.NewTicker(app.config.Metrics.CollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := app.metrics.Snapshot()
			app.logger.Debug("metrics snapshot",
				core.Field{Key: "received", Value: snap.RecordsReceived},
				core.Field{Key: "processed", Value: snap.RecordsProcessed},
				core.Field{Key: "dropped", Value: snap.RecordsDropped},
				core.Field{Key: "consume_errors", Value: snap.ConsumeErrors},
				core.Field{Key: "decode_errors", Value: snap.DecodeErrors},
				core.Field{Key: "process_errors", Value: snap.ProcessErrors},
				core.Field{Key: "throughput_rate", Value: snap.ThroughputRate},
				core.Field{Key: "active_streams", Value: snap.ActiveStreams},
			)
		case <-ctx.Done():
			return
		}
	}
}
