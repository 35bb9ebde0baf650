// cmd/engine-server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"marketplace-engine/internal/api"
	"marketplace-engine/internal/audit"
	"marketplace-engine/internal/common/aws"
	"marketplace-engine/internal/common/config"
	"marketplace-engine/internal/common/database"
	"marketplace-engine/internal/common/logger"
	"marketplace-engine/internal/common/observability"
	"marketplace-engine/internal/common/retry"
	"marketplace-engine/internal/engine"
	"marketplace-engine/internal/mirror"
	"marketplace-engine/internal/notify"
	"marketplace-engine/internal/onboarding"
	"marketplace-engine/internal/settlement"
	"marketplace-engine/internal/store"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting engine server...",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redisClient *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redisClient, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redisClient.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redisClient.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Audit Sink ---
	var auditSink audit.Sink = audit.Noop{}
	if cfg.Audit.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		auditSink = audit.NewElasticsearchSink(esClient.Client, cfg.Database.Elasticsearch.AuditIndex, log)
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Init Notification Channels ---
	resolver := &notify.PostgresContactResolver{DB: pg.GetDB()}
	var channels []notify.Notifier
	if cfg.Notifications.AWS.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		channels = append(channels, notify.NewSMSChannel(snsClient, resolver, cfg.Notifications.AWS.SNS.DefaultSMSSenderID))
	}
	if cfg.Notifications.AWS.SES.Enabled {
		sesClient, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			zapLog.Fatal("ses client init failed", zap.Error(err))
		}
		channels = append(channels, notify.NewEmailChannel(sesClient, resolver, cfg.Notifications.AWS.SES.FromEmail))
	}

	var notifier notify.Notifier = notify.Noop{}
	if len(channels) > 0 {
		notifier = notify.NewMulti(channels...)
	}
	zapLog.Info("Notification channels initialized", zap.Int("channels", len(channels)))

	// --- Assemble Engine ---
	jobStore := store.NewPostgresStore(
		pg.GetDB(),
		redisClient.GetClient(),
		time.Duration(cfg.Engine.CacheTTL)*time.Second,
		log,
	)
	policy := retry.NewPolicy(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.InitialDelay)*time.Millisecond,
		log,
	)

	eng := engine.New(engine.Options{
		Store:       jobStore,
		Mirror:      mirror.New(),
		Notifier:    notify.NewBestEffort(notifier, cfg.Engine.Timeout(), log),
		Settlements: settlement.NewPostgresRecorder(pg.GetDB(), log),
		Audit:       auditSink,
		Obs:         obs,
		Retry:       policy,
		Timeout:     cfg.Engine.Timeout(),
		Logger:      log,
	})

	thresholds := make(map[string]onboarding.Thresholds, len(cfg.Onboarding))
	for variant, vc := range cfg.Onboarding {
		thresholds[variant] = onboarding.Thresholds{
			TotalSteps:         vc.TotalSteps,
			ServiceDefinedStep: vc.ServiceDefinedStep,
			LiveStep:           vc.LiveStep,
		}
	}
	tracker := onboarding.NewTracker(onboarding.TrackerOptions{
		Store:      jobStore,
		Guard:      onboarding.NewRedisGuard(redisClient.GetClient()),
		Thresholds: thresholds,
		Retry:      policy,
		Timeout:    cfg.Engine.Timeout(),
		Logger:     log,
	})

	server := api.NewServer(api.ServerOptions{
		Address: cfg.Server.Address,
		Engine:  eng,
		Tracker: tracker,
		Jobs: &api.StoreJobCreator{
			Store:          jobStore,
			DefaultFeeRate: cfg.Engine.DefaultFeeRate,
		},
		Effects:        api.ResourceEffects{},
		DefaultFeeRate: cfg.Engine.DefaultFeeRate,
		Pingers: map[string]api.Pinger{
			"postgres": pg,
			"redis":    redisClient,
		},
		Logger: log,
	})

	go func() {
		if err := server.Start(); err != nil {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error during http shutdown", zap.Error(err))
	}

	zapLog.Info("Engine server stopped gracefully")
}
