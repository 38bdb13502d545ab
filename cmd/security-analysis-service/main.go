// security-analysis-service is the HTTP API server and analysis worker for
// dynamic security analysis runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"securityanalysis/internal/api"
	"securityanalysis/internal/client"
	"securityanalysis/internal/config"
	"securityanalysis/internal/dispatcher"
	"securityanalysis/internal/health"
	"securityanalysis/internal/job"
	"securityanalysis/internal/messaging"
	natsqueue "securityanalysis/internal/messaging/nats"
	"securityanalysis/internal/objectstore"
	"securityanalysis/internal/observability"
	"securityanalysis/internal/parameters"
	"securityanalysis/internal/provider"
	"securityanalysis/internal/provider/docker"
	"securityanalysis/internal/storage/postgres"
	"securityanalysis/pkg/backoff"
	"securityanalysis/pkg/circuitbreaker"
)

// Startup connections are retried for about a minute.
const startupAttempts = 10

var startupBackoff = backoff.Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2}

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(svcCfg.LogLevel),
	})))

	if err := svcCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Database
	var pool *pgxpool.Pool
	err = connectWithRetry(ctx, "postgres", func(ctx context.Context) error {
		var err error
		pool, err = postgres.NewPool(ctx, svcCfg.Database)
		return err
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.RunMigrations(ctx, svcCfg.Database.URL); err != nil {
		return err
	}
	results := postgres.NewResultRepository(pool)

	parameterSets, err := parameters.NewService(
		postgres.NewParametersRepository(pool),
		svcCfg.DefaultProvider,
		svcCfg.ParametersCacheTTL,
	)
	if err != nil {
		return err
	}
	defer parameterSets.Close()

	// Message queue
	queue, err := connectQueue(ctx, svcCfg.NATS)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Warn("Queue close error", "error", err)
		}
	}()

	checks := []health.Check{
		{Name: "database", Checker: health.CheckFunc(results.Ping)},
		{Name: "queue", Checker: health.CheckFunc(queue.Ping)},
	}

	// Debug artifact storage is optional
	var artifacts job.ArtifactStore
	if svcCfg.MinIO.Endpoint != "" {
		store, err := objectstore.New(ctx, svcCfg.MinIO)
		if err != nil {
			return err
		}
		artifacts = store
		checks = append(checks, health.Check{Name: "objectstore", Checker: store, Optional: true})
		slog.Info("Debug archives enabled", "endpoint", svcCfg.MinIO.Endpoint, "bucket", svcCfg.MinIO.Bucket)
	} else {
		slog.Warn("Debug archives disabled - no MINIO_ENDPOINT configured")
	}

	// Engines
	catalogue, err := config.LoadCatalogue(svcCfg.ProvidersFile, svcCfg.DefaultProvider)
	if err != nil {
		return err
	}
	runtime, err := docker.NewRuntime(svcCfg.WorkDirRoot, svcCfg.EngineHostWorkDir)
	if err != nil {
		return err
	}
	defer runtime.Close()

	if removed, err := runtime.RemoveOrphans(ctx); err != nil {
		slog.Warn("Failed to remove orphaned engine containers", "error", err)
	} else if removed > 0 {
		slog.Info("Removed orphaned engine containers", "count", removed)
	}
	checks = append(checks, health.Check{Name: "docker", Checker: runtime, Optional: true})

	engines := make([]provider.Engine, 0, len(catalogue.Engines))
	for _, spec := range catalogue.Engines {
		engines = append(engines, runtime.Engine(spec))
	}
	registry, err := provider.NewRegistry(engines...)
	if err != nil {
		return err
	}
	if !registry.Has(svcCfg.DefaultProvider) {
		return fmt.Errorf("default provider %q is not in the engine catalogue", svcCfg.DefaultProvider)
	}
	slog.Info("Engines loaded", "providers", registry.Names(), "default", svcCfg.DefaultProvider)

	// Upstream clients share one breaker per collaborator
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	clientOpts := client.Options{
		Timeout:  svcCfg.Upstream.Timeout,
		Breakers: breakers,
		Metrics:  metrics,
	}
	checks = append(checks, health.Check{Name: "upstream", Checker: upstreamCheck(breakers), Optional: true})

	// Event delivery
	eventDispatcher := dispatcher.NewMemory(
		dispatcherCfg,
		dispatcher.NewRouter(queue, dispatcherCfg.HTTPTimeout),
		metrics,
	)
	notifier := dispatcher.NewNotifier(eventDispatcher, eventRoutes(svcCfg.Events.WebhookURL), svcCfg.Events.SigningKey)

	// Analysis worker
	analysis := job.NewAnalysis(job.AnalysisDeps{
		Store:         results,
		Contingencies: client.NewActionsClient(svcCfg.Upstream.ActionsBaseURI, clientOpts),
		Simulations:   client.NewDynamicSimulationClient(svcCfg.Upstream.DynamicSimulationBaseURI, clientOpts),
		Networks:      client.NewNetworkStoreClient(svcCfg.Upstream.NetworkStoreBaseURI, clientOpts),
		Reports:       client.NewReportClient(svcCfg.Upstream.ReportBaseURI, clientOpts),
		Artifacts:     artifacts,
		Engines:       registry,
		Notifier:      notifier,
		WorkDirRoot:   svcCfg.WorkDirRoot,
	})
	coordinator := job.NewCoordinator(analysis, metrics, svcCfg.ExecutionRetention)
	worker := job.NewWorker(queue, coordinator, svcCfg.MaxConcurrentRuns)
	if err := worker.Start(ctx); err != nil {
		return err
	}
	slog.Info("Analysis worker started", "maxConcurrentRuns", svcCfg.MaxConcurrentRuns)

	analysisService := job.NewService(job.ServiceDeps{
		Store:      results,
		Parameters: parameterSets,
		Engines:    registry,
		Queue:      queue,
		Artifacts:  artifacts,
		Notifier:   notifier,
		Metrics:    metrics,
	})

	healthChecker := health.NewChecker(checks...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Analyses:      analysisService,
		Parameters:    parameterSets,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // debug archives can be large
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if runErr == nil && svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop taking runs and let running ones finish
	slog.Info("Stopping analysis worker", "active", coordinator.Active())
	workerCtx, workerCancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer workerCancel()
	if err := worker.Shutdown(workerCtx); err != nil {
		slog.Warn("Running analyses were interrupted", "error", err)
	}

	// Phase 4: Deliver pending events
	slog.Info("Draining event dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	if err := queue.Drain(); err != nil {
		slog.Warn("Queue drain error", "error", err)
	}

	slog.Info("Shutdown complete")
	return runErr
}

// connectQueue selects NATS JetStream when a URL is configured and the
// in-process queue otherwise.
func connectQueue(ctx context.Context, cfg config.NATSConfig) (messaging.Queue, error) {
	if cfg.URL == "" {
		slog.Warn("No NATS_URL configured - using in-process queue, runs are not shared between instances")
		return messaging.NewMemoryQueue(), nil
	}
	var q *natsqueue.Queue
	err := connectWithRetry(ctx, "nats", func(ctx context.Context) error {
		var err error
		q, err = natsqueue.Connect(ctx, cfg.URL, cfg.Stream)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// connectWithRetry retries a startup connection while the dependency comes up.
func connectWithRetry(ctx context.Context, name string, connect func(context.Context) error) error {
	return backoff.Retry(ctx, startupAttempts, &startupBackoff, connect, func(attempt int, err error) {
		slog.Warn("Dependency not reachable, retrying", "dependency", name, "attempt", attempt, "error", err)
	})
}

// eventRoutes publishes every lifecycle event on its queue subject and
// optionally mirrors it to a webhook.
func eventRoutes(webhookURL string) map[string][]string {
	subjects := map[string]string{
		job.EventTypeResult:       messaging.SubjectResult,
		job.EventTypeCancelled:    messaging.SubjectStopped,
		job.EventTypeCancelFailed: messaging.SubjectCancelFailed,
		job.EventTypeFailed:       messaging.SubjectFailed,
	}
	routes := make(map[string][]string, len(subjects))
	for eventType, subject := range subjects {
		dest := []string{dispatcher.QueueScheme + subject}
		if webhookURL != "" {
			dest = append(dest, webhookURL)
		}
		routes[eventType] = dest
	}
	return routes
}

// upstreamCheck degrades readiness while a collaborator breaker is open.
func upstreamCheck(breakers *circuitbreaker.Registry) health.CheckFunc {
	return func(context.Context) error {
		if open := breakers.OpenKeys(); len(open) > 0 {
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		}
		return nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
