// Command server runs the credential and session management service:
// HTTP API, webhook dispatcher, audit recorder, and the background
// maintenance workers. Business logic lives in the internal service
// packages; main only wires dependencies and owns the lifecycle.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"clavis/internal/audit"
	auditsink "clavis/internal/audit/sink"
	auditstore "clavis/internal/audit/store"
	"clavis/internal/authflow"
	dirstore "clavis/internal/directory/store"
	"clavis/internal/keys/keywrap"
	keyservice "clavis/internal/keys/service"
	keystore "clavis/internal/keys/store"
	"clavis/internal/keys/workers/retirer"
	guardservice "clavis/internal/loginguard/service"
	guardstore "clavis/internal/loginguard/store"
	"clavis/internal/platform/config"
	"clavis/internal/platform/database"
	"clavis/internal/platform/kafka/producer"
	"clavis/internal/platform/logger"
	"clavis/internal/platform/metrics"
	"clavis/internal/platform/redis"
	sessionservice "clavis/internal/session/service"
	sessionstore "clavis/internal/session/store"
	"clavis/internal/session/workers/sweeper"
	"clavis/internal/token"
	httptransport "clavis/internal/transport/http"
	"clavis/internal/webhook/dispatcher"
	webhookstore "clavis/internal/webhook/store"
	"clavis/migrations"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if cfg.MasterKey == "" {
		log.Error("CLAVIS_MASTER_KEY is required")
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	wrapper, err := keywrap.New(cfg.MasterKey)
	if err != nil {
		return err
	}

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	pool, err := database.New(dbCfg)
	if err != nil {
		return err
	}
	defer pool.Close() //nolint:errcheck

	if pool != nil {
		if err := database.Migrate(ctx, pool.DB(), migrations.FS); err != nil {
			return err
		}
	}

	redisClient, err := redis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close() //nolint:errcheck

	// Stores. Postgres when a database is configured, in-memory for
	// local development.
	var (
		directoryStore authflow.ApplicationDirectory
		dispatcherDir  dispatcher.ApplicationDirectory
		keyStore       keyservice.Store
		sessionStore   sessionservice.Store
		guardStore     guardservice.Store
		webhookStore   dispatcher.Store
		auditStore     audit.Store
	)
	if pool != nil {
		db := pool.DB()
		pgDirectory := dirstore.NewPostgres(db)
		directoryStore = pgDirectory
		dispatcherDir = pgDirectory
		keyStore = keystore.NewPostgres(db)
		sessionStore = sessionstore.NewPostgres(db)
		guardStore = guardstore.NewPostgres(db)
		webhookStore = webhookstore.NewPostgres(db)
		auditStore = auditstore.NewPostgres(db)
	} else {
		log.Warn("no database configured, using in-memory stores")
		memDirectory := dirstore.NewMemory()
		directoryStore = memDirectory
		dispatcherDir = memDirectory
		keyStore = keystore.NewMemory()
		sessionStore = sessionstore.NewMemory()
		guardStore = guardstore.NewMemory()
		webhookStore = webhookstore.NewMemory()
		auditStore = auditstore.NewMemory()
	}
	if redisClient != nil {
		redisGuard, err := guardstore.NewRedis(redisClient.Client, cfg.LockoutWindow)
		if err != nil {
			return err
		}
		guardStore = redisGuard
	}

	// Audit recorder, optionally fanning committed entries out to Kafka.
	recorderOpts := []audit.RecorderOption{
		audit.WithLogger(log),
		audit.WithMetrics(m),
	}
	if cfg.KafkaBrokers != "" {
		kafkaProducer, err := producer.New(producer.Config{Brokers: cfg.KafkaBrokers}, log)
		if err != nil {
			return err
		}
		defer kafkaProducer.Close(context.Background()) //nolint:errcheck
		sink, err := auditsink.NewKafka(kafkaProducer, cfg.AuditTopic)
		if err != nil {
			return err
		}
		recorderOpts = append(recorderOpts, audit.WithSink(sink))
	}
	recorder := audit.NewRecorder(auditStore, recorderOpts...)

	keys, err := keyservice.New(keyStore, wrapper,
		keyservice.WithLogger(log),
		keyservice.WithMetrics(m),
		keyservice.WithAuditRecorder(recorder),
		keyservice.WithGraceWindow(cfg.KeyGraceWindow),
		keyservice.WithCacheTTL(cfg.KeyCacheTTL),
	)
	if err != nil {
		return err
	}

	tokens, err := token.New(keys, cfg.Issuer,
		token.WithLogger(log),
		token.WithMetrics(m),
		token.WithTTL(cfg.AccessTokenTTL),
	)
	if err != nil {
		return err
	}

	webhooks, err := dispatcher.New(webhookStore, dispatcherDir, wrapper,
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(m),
		dispatcher.WithAuditRecorder(recorder),
		dispatcher.WithWorkers(cfg.WebhookWorkers),
		dispatcher.WithRetryPolicy(cfg.WebhookMaxAttempts, cfg.WebhookBaseBackoff, cfg.WebhookMaxBackoff),
	)
	if err != nil {
		return err
	}

	sessions, err := sessionservice.New(sessionStore,
		sessionservice.WithLogger(log),
		sessionservice.WithMetrics(m),
		sessionservice.WithAuditRecorder(recorder),
		sessionservice.WithWebhookEmitter(webhooks),
		sessionservice.WithRefreshTTL(cfg.RefreshTokenTTL),
		sessionservice.WithRetentionGrace(cfg.SessionRetentionGrace),
	)
	if err != nil {
		return err
	}

	guard, err := guardservice.New(guardStore,
		guardservice.WithLogger(log),
		guardservice.WithMetrics(m),
		guardservice.WithAuditRecorder(recorder),
		guardservice.WithWindow(cfg.LockoutWindow),
		guardservice.WithThreshold(cfg.LockoutThreshold),
	)
	if err != nil {
		return err
	}

	flow, err := authflow.New(directoryStore, guard, authflow.NewBcryptRegistry(), sessions, tokens,
		authflow.WithLogger(log),
		authflow.WithMetrics(m),
		authflow.WithAuditRecorder(recorder),
	)
	if err != nil {
		return err
	}

	keyRetirer, err := retirer.New(keys,
		retirer.WithLogger(log),
		retirer.WithInterval(cfg.SweepInterval),
	)
	if err != nil {
		return err
	}

	var purger sweeper.AttemptPurger
	if redisClient == nil {
		// Redis attempts expire via key TTL; only SQL-backed attempt
		// stores need the sweep.
		purger = guard
	}
	sessionSweeper, err := sweeper.New(sessions, purger,
		sweeper.WithLogger(log),
		sweeper.WithInterval(cfg.SweepInterval),
	)
	if err != nil {
		return err
	}

	handler := httptransport.NewHandler(flow, tokens, keys, sessions,
		httptransport.WithLogger(log),
		httptransport.WithMetrics(m),
	)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httptransport.NewRouter(handler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting clavis", "addr", cfg.Addr, "database", cfg.DatabaseURL != "", "redis", cfg.RedisURL != "")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recorder.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return keyRetirer.Start(ctx)
	})
	g.Go(func() error {
		return sessionSweeper.Start(ctx)
	})
	g.Go(func() error {
		return webhooks.Start(ctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
