package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"credindex/internal/consume"
	"credindex/internal/platform/config"
	"credindex/internal/platform/database"
	"credindex/internal/platform/health"
	"credindex/internal/platform/httpserver"
	"credindex/internal/platform/kafka/consumer"
	"credindex/internal/platform/kafka/producer"
	"credindex/internal/platform/logger"
	"credindex/internal/platform/redis"
	"credindex/internal/projector"
	"credindex/internal/projector/metrics"
	"credindex/internal/projector/store"
	"credindex/internal/projector/tracer"
	"credindex/internal/query"
	request "credindex/pkg/platform/middleware/request"
)

// main wires the indexer: Kafka consumer -> projector -> Postgres, with the
// read API, health checks, and metrics on one HTTP listener. Business logic
// lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing credindex",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"kafka_topics", cfg.Kafka.Topics,
	)

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	pool, err := database.New(dbCfg)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	if pool == nil {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	projMetrics := metrics.New()
	projStore := store.NewPostgresStore(pool.DB())

	proj := projector.New(projStore,
		projector.WithMetrics(projMetrics),
		projector.WithTracer(tracer.NewOTel()),
		projector.WithLogger(log),
	)

	var deadLetter consume.DeadLetterProducer = producer.NewNoopProducer(log)
	var kafkaProducer *producer.Producer
	if cfg.Kafka.DeadLetterTopic != "" {
		kafkaProducer, err = producer.New(producer.Config{
			Brokers: cfg.Kafka.Brokers,
			Retries: 5,
		}, log)
		if err != nil {
			log.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		deadLetter = kafkaProducer
	}

	handler := consume.NewHandler(proj, log,
		consume.WithDeadLetter(deadLetter, cfg.Kafka.DeadLetterTopic),
		consume.WithMetrics(projMetrics),
	)

	kafkaConsumer, err := consumer.New(consumer.Config{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topics:  cfg.Kafka.Topics,
	}, handler, log)
	if err != nil {
		log.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}

	sweeper := projector.NewSweeper(proj,
		projector.WithSweepInterval(cfg.PendingSweepInterval),
		projector.WithPendingTTL(cfg.PendingTTL),
		projector.WithSweeperLogger(log),
	)

	queryOpts := []query.ServiceOption{query.WithLogger(log)}
	if cache := query.NewRedisCache(redisClient); cache != nil {
		queryOpts = append(queryOpts, query.WithCache(cache, cfg.Redis.CacheTTL))
	}
	queryHandler := query.NewHandler(query.NewService(projStore, queryOpts...), log)

	healthHandler := health.New(cfg.Environment)
	healthHandler.RegisterCheck("postgres", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Health(ctx)
	})
	if redisClient != nil {
		healthHandler.RegisterCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Health(ctx)
		})
	}
	healthHandler.RegisterCheck("kafka", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if !kafkaConsumer.Healthy(ctx) {
			return errors.New("kafka unreachable")
		}
		return nil
	})

	router := chi.NewRouter()
	router.Use(request.RequestID)
	router.Use(request.Recovery(log))
	router.Use(request.Logger(log))
	router.Use(request.LatencyMiddleware(request.NewMetrics()))
	router.Use(request.BodyLimit(1 << 20))
	healthHandler.Register(router)
	queryHandler.Register(router)
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		kafkaConsumer.Start()
		<-ctx.Done()
		return nil
	})

	sweeper.Start(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pool.RecordPoolStats()
				if redisClient != nil {
					redisClient.RecordPoolStats()
				}
			}
		}
	})

	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := kafkaConsumer.Stop(shutdownCtx); err != nil {
		log.Error("consumer shutdown failed", "error", err)
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		log.Error("sweeper shutdown failed", "error", err)
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error("producer shutdown failed", "error", err)
		}
	}

	if err := group.Wait(); err != nil {
		log.Error("runtime error", "error", err)
		os.Exit(1)
	}

	log.Info("indexer stopped")
}
