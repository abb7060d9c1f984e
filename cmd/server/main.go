// Package main is the entry point for the preflight server.
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
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gatekeeper/internal/abuse"
	"gatekeeper/internal/audit"
	"gatekeeper/internal/auth"
	"gatekeeper/internal/checks"
	"gatekeeper/internal/config"
	"gatekeeper/internal/display"
	gkhttp "gatekeeper/internal/http"
	"gatekeeper/internal/llm"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/policy"
	"gatekeeper/internal/preflight"
	"gatekeeper/internal/registry"
	"gatekeeper/internal/store"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting gatekeeper",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
		zap.String("counter_backend", cfg.CounterBackend),
		zap.String("audit_backend", cfg.AuditBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(promReg)

	// Initialize stores
	counters, auditStore, closeStores, err := initStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	mitigator := abuse.New(counters, cfg.Abuse,
		abuse.WithLogger(logger.Named("abuse")),
		abuse.WithMetrics(collector),
	)

	// Initialize LLM clients. Unconfigured endpoints leave their checks
	// skipping.
	deps := checks.Deps{Store: counters, Abuse: mitigator}
	if cfg.ModerationEnabled() {
		deps.Moderator = llm.NewClient(llm.ClientConfig{
			Name:    "moderation",
			BaseURL: cfg.ModerationBaseURL,
			APIKey:  cfg.ModerationAPIKey,
			Model:   cfg.ModerationModel,
			Timeout: cfg.LLMTimeout,
			Logger:  logger,
			Metrics: collector,
		})
	} else {
		logger.Warn("MODERATION_BASE_URL not set, content moderation will skip")
	}
	if cfg.AnalysisEnabled() {
		deps.Analyzer = llm.NewContentAnalyzer(llm.NewClient(llm.ClientConfig{
			Name:    "analysis",
			BaseURL: cfg.AnalysisBaseURL,
			APIKey:  cfg.AnalysisAPIKey,
			Model:   cfg.AnalysisModel,
			Timeout: cfg.LLMTimeout,
			Logger:  logger,
			Metrics: collector,
		}))
	} else {
		logger.Warn("ANALYSIS_BASE_URL not set, AI content analysis will skip")
	}

	reg, err := registry.New(checks.Defaults(deps)...)
	if err != nil {
		return fmt.Errorf("failed to build check registry: %w", err)
	}

	// Policy
	policies := policy.NewHolder(nil)
	if cfg.PolicyFile != "" {
		p, err := policy.LoadFile(cfg.PolicyFile, reg)
		if err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}
		policies.Set(p)

		watcher, err := policy.NewWatcher(cfg.PolicyFile, policies, reg, logger)
		if err != nil {
			return fmt.Errorf("failed to watch policy: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("policy watcher stopped", zap.Error(err))
			}
		}()
	}

	// Error display
	mapper, err := display.NewMapper(nil)
	if err != nil {
		return fmt.Errorf("failed to build error display table: %w", err)
	}
	if cfg.ErrorDisplayFile != "" {
		if mapper, err = display.LoadFile(cfg.ErrorDisplayFile); err != nil {
			return fmt.Errorf("failed to load error display file: %w", err)
		}
	}

	// Initialize orchestrator
	orch := preflight.New(preflight.Config{
		Registry: reg,
		Abuse:    mitigator,
		Policy:   policies,
		Audit:    auditStore,
		Metrics:  collector,
		Logger:   logger.Named("preflight"),
	})

	if cfg.ClientAPIKey != "" && cfg.AdminAPIKey == "" {
		logger.Warn("CLIENT_API_KEY set without ADMIN_API_KEY, admin routes are unreachable")
	}

	// Initialize router
	router := gkhttp.NewRouter(gkhttp.RouterConfig{
		Logger:    logger,
		Preflight: orch,
		Registry:  reg,
		Abuse:     mitigator,
		Audit:     auditStore,
		Display:   mapper,
		Store:     counters,
		Auth: auth.NewAuthenticator(auth.KeyConfig{
			ClientKey: cfg.ClientAPIKey,
			AdminKey:  cfg.AdminAPIKey,
		}),
		Metrics:         collector,
		Gatherer:        promReg,
		EnforceDenyList: cfg.EnforceDenyList,
		MaxBodyBytes:    int64(cfg.RequestMaxBytes),
		Version:         version,
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// initStores builds the counter store and the audit store for the configured
// backends. AWS clients share one SDK config.
func initStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.CounterStore, audit.Store, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	needAWS := cfg.CounterBackend == config.BackendDynamoDB || cfg.AuditBackend == config.AuditS3
	var dynamoClient *dynamodb.Client
	var s3Client *s3.Client
	if needAWS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("failed to load AWS config: %w", err)
		}
		dynamoClient = dynamodb.NewFromConfig(awsCfg)
		s3Client = s3.NewFromConfig(awsCfg)
	}

	var counters store.CounterStore
	switch cfg.CounterBackend {
	case config.BackendRedis:
		rs, err := store.NewRedisStoreFromURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("failed to create redis store: %w", err)
		}
		closers = append(closers, func() { _ = rs.Close() })
		counters = rs
	case config.BackendDynamoDB:
		counters = store.NewDynamoDBStore(dynamoClient, cfg.DynamoDBTable)
	default:
		counters = store.NewMemoryStore()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := counters.Ping(pingCtx); err != nil {
		logger.Warn("counter store not reachable at startup, rate limits will fail open", zap.Error(err))
	}

	var auditStore audit.Store
	switch cfg.AuditBackend {
	case config.AuditS3:
		auditStore = audit.NewS3Store(store.NewS3Client(s3Client, cfg.S3Bucket, cfg.S3Prefix))
	case config.AuditMemory:
		auditStore = audit.NewInMemoryStore()
	}

	return counters, auditStore, closeAll, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
