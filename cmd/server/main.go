// Command server runs the collaborative graph sync service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"daygraph-backend/application/gateway"
	"daygraph-backend/application/room"
	appsync "daygraph-backend/application/sync"
	"daygraph-backend/infrastructure/config"
	"daygraph-backend/infrastructure/persistence/abstractions"
	dynamostore "daygraph-backend/infrastructure/persistence/dynamodb"
	"daygraph-backend/infrastructure/persistence/memory"
	"daygraph-backend/infrastructure/persistence/resilience"
	"daygraph-backend/interfaces/http/rest"
	"daygraph-backend/interfaces/ws"
	"daygraph-backend/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	store, err := buildStore(ctx, cfg, metrics, logger)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}

	limits := config.NewLimitsProvider(cfg.Limits())
	if cfg.LimitsFile != "" {
		if overrides, err := config.LoadLimitsFile(cfg.LimitsFile); err != nil {
			logger.Warn("limits file unreadable, using base limits",
				zap.String("path", cfg.LimitsFile), zap.Error(err))
		} else {
			limits.ApplyOverrides(overrides)
		}
		watcher, err := config.NewWatcher(cfg.LimitsFile, limits, logger)
		if err != nil {
			logger.Warn("limits watcher unavailable", zap.Error(err))
		} else {
			go watcher.Run(ctx)
		}
	}

	var onPresence func(string, int)
	var onRejection func(string)
	serviceMetrics := appsync.Metrics{}
	if metrics != nil {
		onPresence = metrics.OnPresence
		onRejection = metrics.OnRejection
		serviceMetrics = appsync.Metrics{
			OnMutation:  metrics.OnMutation,
			OnConflict:  metrics.OnConflict,
			OnBroadcast: metrics.OnBroadcast,
		}
	}

	hub := room.NewHub(cfg.HistoryWindow, logger, onPresence)
	gate := gateway.New(limits, store, cfg.QuotaRefreshPeriod, logger, onRejection)
	service := appsync.NewService(hub, gate, store, cfg.MaxClockDrift, logger, serviceMetrics)

	sweeper := appsync.NewSweeper(store, cfg.AuditRetention, cfg.AuditSweep, logger)
	go sweeper.Run(ctx)
	go runRateCleanup(ctx, gate)

	wsHandler := ws.NewHandler(hub, service, cfg, logger)
	ready := func(ctx context.Context) error {
		_, err := store.StoreSize(ctx)
		return err
	}
	router := rest.NewRouter(cfg, wsHandler, registry, ready, logger)

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("address", cfg.ServerAddress),
			zap.String("backend", string(cfg.StoreBackend)),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildStore(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (abstractions.Store, error) {
	var inner abstractions.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		inner = memory.NewStore()
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg)
		inner = dynamostore.NewStore(client, cfg.DynamoDBTable, cfg.OwnerIndex, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.StoreRetryAttempts > 0 {
		retry.MaxAttempts = cfg.StoreRetryAttempts
	}
	if cfg.StoreRetryBaseWait > 0 {
		retry.BaseDelay = cfg.StoreRetryBaseWait
	}
	var onRetry func()
	if metrics != nil {
		onRetry = metrics.OnStoreRetry
	}
	return resilience.NewStore(inner, retry, logger, onRetry), nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

// runRateCleanup drops idle per-user rate-limit state once an hour.
func runRateCleanup(ctx context.Context, gate *gateway.Gateway) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gate.Cleanup()
		}
	}
}
