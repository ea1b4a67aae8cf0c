package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/marketplace-orders/internal/adapter/external"
	"github.com/rl1809/marketplace-orders/internal/adapter/handler"
	"github.com/rl1809/marketplace-orders/internal/adapter/notify"
	"github.com/rl1809/marketplace-orders/internal/adapter/report"
	"github.com/rl1809/marketplace-orders/internal/adapter/storage"
	"github.com/rl1809/marketplace-orders/internal/config"
	"github.com/rl1809/marketplace-orders/internal/core/pipeline"
	"github.com/rl1809/marketplace-orders/internal/core/service"
	"github.com/rl1809/marketplace-orders/internal/port"
	"github.com/rl1809/marketplace-orders/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger depends on the config, so this is the only plain write to stderr.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	// Initialize database
	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	logger.Info("connected to database", zap.String("driver", cfg.Database.Driver))

	// Initialize Redis
	var (
		rdb   *redis.Client
		cache port.CacheRepository
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cache = storage.NewRedisAdapter(rdb)
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Warn("redis not configured, idempotency keys and delivery markers disabled")
	}

	// Initialize collaborators
	notifier, closeNotifier := newNotifier(cfg.Kafka, tp, logger)
	sink, err := report.NewFileSink(cfg.Reports.Dir, logger)
	if err != nil {
		logger.Fatal("failed to prepare report directory", zap.String("dir", cfg.Reports.Dir), zap.Error(err))
	}
	source := external.NewHTTPInventorySource(cfg.InventorySync.BaseURL, cfg.InventorySync.FetchTimeout, logger)

	pricing, err := cfg.Pricing.Policy()
	if err != nil {
		logger.Fatal("invalid pricing config", zap.Error(err))
	}

	// Initialize pipeline and services
	tasks := pipeline.New(store, pipeline.Config{
		Workers:        cfg.Tasks.Workers,
		PollInterval:   cfg.Tasks.PollInterval,
		Lease:          cfg.Tasks.Lease,
		HandlerTimeout: cfg.Tasks.HandlerTimeout,
	},
		pipeline.WithLogger(logger),
		pipeline.WithDeadLetterReports(notifier, cfg.Notifications.OpsEmail),
	)

	ledger := service.NewInventoryLedger(store, cache, logger, service.WithLowStockAlerts(tasks))
	orderService := service.NewOrderService(store, ledger, tasks,
		service.WithCache(cache),
		service.WithPricing(pricing),
		service.WithLogger(logger),
	)

	handlers := &pipeline.Handlers{
		DB:           store,
		Ledger:       ledger,
		Notifier:     notifier,
		Source:       source,
		Sink:         sink,
		Cache:        cache,
		FetchTimeout: cfg.InventorySync.FetchTimeout,
		Logger:       logger,
	}
	handlers.Register(tasks)

	// Start task workers and schedules
	workerCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tasks.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		tasks.RunScheduler(workerCtx,
			pipeline.DailyReportSchedule(cfg.Schedule.DailyReportInterval),
			pipeline.CleanupSchedule(cfg.Schedule.CleanupInterval, cfg.Schedule.CleanupAfterDays),
		)
	}()
	logger.Info("started task pipeline", zap.Int("workers", cfg.Tasks.Workers))

	// Initialize gRPC server
	grpcServer := handler.NewGRPCServer(handler.NewGRPCHandler(orderService, logger))
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP servers
	rest := handler.NewRESTServer(orderService, ledger, tasks, store, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           rest.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go serveHTTP(httpServer, "REST", logger)

	gql, err := handler.NewGraphQLHandler(orderService, logger)
	if err != nil {
		logger.Fatal("failed to build graphql schema", zap.Error(err))
	}
	graphQLServer := &http.Server{
		Addr:              cfg.HTTP.GraphQLAddr,
		Handler:           gql.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go serveHTTP(graphQLServer, "GraphQL", logger)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop HTTP servers
	for _, srv := range []*http.Server{httpServer, graphQLServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	logger.Info("HTTP servers stopped")

	// Stop gRPC server
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Stop claiming jobs and wait for the running ones
	stopWorkers()
	wg.Wait()
	logger.Info("workers stopped")

	// Close connections
	closeNotifier()
	if rdb != nil {
		rdb.Close()
	}
	store.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("connections closed")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*storage.SQLStore, error) {
	if cfg.Driver == "sqlite" {
		return storage.OpenSQLite(ctx, cfg.DSN, logger)
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := storage.NewMySQLAdapter(db, logger)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newNotifier publishes to Kafka when brokers are configured and logs otherwise.
func newNotifier(cfg config.KafkaConfig, tp trace.TracerProvider, logger *zap.Logger) (port.Notifier, func()) {
	if len(cfg.Brokers) == 0 {
		logger.Warn("kafka not configured, notifications go to the log")
		return notify.NewLogNotifier(logger), func() {}
	}

	producer, err := notify.NewKafkaProducer(notify.KafkaConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.NotificationTopic,
		ClientID: "marketplace-orders",
	}, tp)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	n := notify.NewKafkaNotifier(producer, logger)
	logger.Info("publishing notifications to kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.NotificationTopic))

	return n, func() {
		if err := n.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}
}

func serveHTTP(srv *http.Server, name string, logger *zap.Logger) {
	logger.Info(name+" server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name+" server error", zap.Error(err))
	}
}
