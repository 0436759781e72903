package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"warden/internal/analyzer"
	"warden/internal/config"
	"warden/internal/constants"
	"warden/internal/healing"
	"warden/internal/idempotency"
	"warden/internal/ingestion"
	"warden/internal/journal"
	"warden/internal/learning"
	"warden/internal/logger"
	"warden/internal/monitor"
	"warden/internal/orchestrator"
	"warden/internal/relay"
	"warden/pkg/bootstrap"
	"warden/pkg/bus"
	"warden/pkg/health"
	"warden/pkg/logging"
	"warden/pkg/metrics"
	"warden/pkg/middleware"
	"warden/pkg/migrations"
	"warden/pkg/ratelimit"
	"warden/pkg/retry"
	"warden/pkg/tracing"
)

const serviceName = "webhook-service"

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	redis       *redis.Client
	mongoClient *mongo.Client
	postgresDB  *sql.DB

	eventBus     *bus.SyncBus
	gate         *idempotency.Gate
	pipeline     *ingestion.Pipeline
	healer       *healing.Agent
	learner      *learning.Agent
	watcher      *monitor.Monitor
	orchestrator *orchestrator.Orchestrator
	bridge       *relay.Bridge

	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initStores(ctx); err != nil {
		return err
	}

	if err := a.initEventSystem(ctx); err != nil {
		return fmt.Errorf("failed to initialize event system: %w", err)
	}

	if err := a.InitRelay(serviceName); err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	a.registerMetrics()

	if err := a.initHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

// initStores connects only the backends the configuration asks for: the
// whole system runs memory-only when no store is named.
func (a *App) initStores(ctx context.Context) error {
	initCtx := logging.WithServiceName(ctx, serviceName)

	needPostgres := a.Config.Idempotency.Store == constants.StoreTypePostgres ||
		a.Config.Learning.Store == constants.StoreTypePostgres ||
		a.Config.Journal.Enabled

	if needPostgres {
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		if db == nil {
			return fmt.Errorf("postgres store requested but database.postgres.host is empty")
		}
		a.postgresDB = db

		if a.Config.Database.RunMigrations {
			if err := migrations.RunPostgres(db, "file://migrations/postgres"); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			a.Logger.InfowCtx(initCtx, "Database migrations applied")
		}
	}

	if a.Config.Idempotency.Store == constants.StoreTypeRedis {
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		a.redis = rdb
	}

	if a.Config.Learning.Store == constants.StoreTypeMongoDB {
		client, err := a.dbConnector.InitMongoDB(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize MongoDB: %w", err)
		}
		if client == nil {
			return fmt.Errorf("mongodb store requested but database.mongodb.uri is empty")
		}
		a.mongoClient = client

		dbName := a.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		if err := migrations.EnsureMongoCollection(ctx, client.Database(dbName)); err != nil {
			a.Logger.WarnwCtx(initCtx, "MongoDB index setup failed", "error", err)
		}
	}

	return nil
}

func (a *App) initEventSystem(ctx context.Context) error {
	a.eventBus = bus.NewSyncBus(a.Logger)
	a.gate = idempotency.NewGate(a.idempotencyRepository(), a.Config.Idempotency, a.Logger)
	a.pipeline = ingestion.NewPipeline(a.eventBus, a.gate, a.Logger)

	classifier, err := healing.NewRuleClassifier(a.Config.Healing.Classification, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to build error classifier: %w", err)
	}
	a.healer = healing.NewAgent(a.Config.Healing, classifier, a.Logger)

	learner, err := learning.NewAgent(a.Config.Learning, a.snapshotRepository(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to build learning agent: %w", err)
	}
	a.learner = learner

	a.watcher = monitor.NewMonitor(a.Config.Monitor, a.Logger)

	a.orchestrator = orchestrator.New(a.eventBus, a.gate, a.Logger)
	a.orchestrator.Register(
		analyzer.NewAnalyzer(a.Config.Analyzer, a.Logger),
		a.healer,
		a.learner,
		a.watcher,
	)

	if a.Config.Journal.Enabled {
		a.orchestrator.Register(journal.NewJournal(a.postgresDB, a.Logger))
	}

	return nil
}

func (a *App) idempotencyRepository() idempotency.Repository {
	var repo idempotency.Repository
	switch a.Config.Idempotency.Store {
	case constants.StoreTypePostgres:
		repo = idempotency.NewPostgresRepository(a.postgresDB)
	case constants.StoreTypeRedis:
		repo = idempotency.NewRedisRepository(a.redis)
	default:
		return nil
	}

	if a.Config.CircuitBreaker.Enabled {
		repo = idempotency.NewCircuitBreakerRepository(repo, a.Config.CircuitBreaker)
	}
	return repo
}

func (a *App) snapshotRepository() learning.SnapshotRepository {
	switch a.Config.Learning.Store {
	case constants.StoreTypePostgres:
		return learning.NewPostgresSnapshotRepository(a.postgresDB)
	case constants.StoreTypeMongoDB:
		dbName := a.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		return learning.NewMongoSnapshotRepository(a.mongoClient.Database(dbName))
	default:
		return nil
	}
}

func (a *App) registerMetrics() {
	metrics.RegisterCoreMetrics()
	metrics.RegisterAgentMetrics()
	metrics.RegisterAPIMetrics()
	if a.postgresDB != nil || a.redis != nil || a.mongoClient != nil {
		metrics.RegisterStorageMetrics()
	}
	if a.Config.Relay.Enabled || a.Config.Relay.SourceEnabled {
		metrics.RegisterRelayMetrics()
	}
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}
}

func (a *App) initHTTPServer(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.Config.API.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.Config.API.RateLimit.RPS,
			Burst:           a.Config.API.RateLimit.Burst,
			CleanupInterval: time.Duration(a.Config.API.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.Config.API.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	ingestion.NewHandler(a.pipeline, a.Config.Webhook, a.Logger).RegisterRoutes(router)
	healing.NewHandler(a.healer, a.Logger).RegisterRoutes(router)
	monitor.NewHandler(a.watcher, a.Logger).RegisterRoutes(router)
	orchestrator.NewHandler(a.orchestrator, a.learner, a.Logger).RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	if a.postgresDB != nil {
		healthRegistry.Register(health.NewPostgreSQLChecker(a.postgresDB))
	}
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}
	if a.mongoClient != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	}
	if len(a.Config.Broker.Kafka.Brokers) > 0 && (a.Config.Relay.Enabled || a.Config.Relay.SourceEnabled) {
		healthRegistry.Register(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers[0]))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}

	return nil
}

func (a *App) relayRetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	rc := a.Config.Broker.Kafka.Retry

	if rc.MaxAttempts > 0 {
		policy.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialInterval > 0 {
		policy.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		policy.MaxInterval = rc.MaxInterval
	}
	if rc.Multiplier > 0 {
		policy.Multiplier = rc.Multiplier
	}
	if rc.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = rc.MaxElapsedTime
	}

	return policy
}

func (a *App) Run(ctx context.Context) error {
	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event system: %w", err)
	}

	if a.Producer != nil {
		bridge := relay.NewBridge(
			a.Producer,
			a.Config.Broker.Kafka.EventsTopic,
			a.Config.Relay.Patterns,
			a.relayRetryPolicy(),
			a.Logger,
		)
		if err := bridge.Attach(a.eventBus); err != nil {
			return fmt.Errorf("failed to attach event relay: %w", err)
		}
		a.bridge = bridge
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if a.Source != nil {
		topic := a.Config.Broker.Kafka.WebhooksTopic
		g.Go(func() error {
			a.Logger.InfowCtx(gCtx, "Starting webhook source consumer", "topic", topic)
			return a.Source.Consume(gCtx, topic, func(cCtx context.Context, raw []byte) error {
				_, err := a.pipeline.Ingest(cCtx, raw)
				return err
			})
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	return a.Shutdown(shutdownCtx, func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
			}
		}

		if a.bridge != nil {
			a.bridge.Detach()
		}

		if err := a.orchestrator.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event system shutdown error: %w", err))
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.postgresDB, a.mongoClient)...)

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer shutdown error: %w", err))
			}
		}

		return errs
	})
}
