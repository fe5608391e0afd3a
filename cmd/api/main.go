package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/Abhishekmac/creditFlow-14sep/internal/config"
	"github.com/Abhishekmac/creditFlow-14sep/internal/consumer"
	"github.com/Abhishekmac/creditFlow-14sep/internal/handlers"
	"github.com/Abhishekmac/creditFlow-14sep/internal/rate"
	"github.com/Abhishekmac/creditFlow-14sep/internal/service"
	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
	"github.com/Abhishekmac/creditFlow-14sep/libs/health"
	"github.com/Abhishekmac/creditFlow-14sep/libs/httpmiddleware"
	"github.com/Abhishekmac/creditFlow-14sep/libs/kafka"
	"github.com/Abhishekmac/creditFlow-14sep/libs/logging"
	"github.com/Abhishekmac/creditFlow-14sep/libs/metrics"
	"github.com/Abhishekmac/creditFlow-14sep/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	paymentMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	defer consumerGroup.Close()
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)

	maxAmount, err := decimal.NewFromString(cfg.Settlement.MaxAmount)
	if err != nil {
		logger.Error("invalid max payment amount", "value", cfg.Settlement.MaxAmount, "error", err)
		os.Exit(1)
	}

	resolver := service.NewSimulatedResolver(
		cfg.Settlement.ResolveDelayMin,
		cfg.Settlement.ResolveDelayMax,
		cfg.Settlement.SuccessRate,
		0,
	)

	paymentSvc := service.NewPaymentService(store, resolver, publisher, logger, paymentMetrics, service.Topics{
		PaymentsSettled: cfg.Kafka.Topics.PaymentsSettled,
		PaymentsFailed:  cfg.Kafka.Topics.PaymentsFailed,
	}, maxAmount)

	limiter := buildLimiter(cfg, logger)

	handler := handlers.New(paymentSvc, limiter, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.Auth.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	gatewayConsumer := consumer.NewGatewayConsumer(paymentSvc, logger)

	ready.SetReady(true)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	go func() {
		logger.Info("creditflow http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("creditflow consumer starting", "topic", cfg.Kafka.Topics.GatewayEvents)
		if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.GatewayEvents}, gatewayConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, consumerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildLimiter prefers redis so the limit holds across replicas, falling back
// to per-process counters when redis is unreachable.
func buildLimiter(cfg *config.Config, logger *slog.Logger) rate.Limiter {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			return rate.NewRedisLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
		}
		logger.Warn("redis unavailable, using in-memory rate limiter", "addr", cfg.Redis.Addr)
		_ = client.Close()
	}
	return rate.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
