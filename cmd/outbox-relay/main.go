// The outbox-relay binary drains the transactional outbox: it claims
// pending events from Postgres, publishes them to the broadcast channel,
// and moves exhausted events to the dead-letter table. Multiple instances
// can run against the same database.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kharwell/chatrelay"
	"github.com/kharwell/chatrelay/config"
	"github.com/kharwell/chatrelay/dlq"
	"github.com/kharwell/chatrelay/outbox"
	redistransport "github.com/kharwell/chatrelay/transport/redis"
)

func main() {
	godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).
		With("component", "outbox-relay")
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	codec, err := chatrelay.CodecByName(cfg.BusCodec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	bus := redistransport.New(redisClient)
	defer bus.Close(context.Background())

	metrics := outbox.NewMetrics("outbox")
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	store := outbox.NewPostgresStore(db).WithClaimTimeout(cfg.ClaimTimeout)
	deadLetters := dlq.NewPostgresStore(db)

	processor := outbox.NewProcessor(store, bus).
		WithChannel(cfg.BusChannel).
		WithCodec(codec).
		WithDeadLetter(deadLetters).
		WithPollInterval(cfg.PollInterval).
		WithBatchSize(cfg.BatchSize).
		WithWorkerCount(cfg.WorkerCount).
		WithMaxRetries(cfg.MaxRetries).
		WithBaseBackoff(cfg.BaseBackoff).
		WithCleanupAge(cfg.CleanupAge).
		WithMetrics(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if health := bus.Health(r.Context()); !health.IsHealthy() {
			http.Error(w, health.Message, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("relay metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("relay starting",
		"channel", cfg.BusChannel,
		"poll_interval", cfg.PollInterval,
		"batch_size", cfg.BatchSize)

	// Blocks until the context is cancelled; PollOnce waits for in-flight
	// publishes before each return, so cancellation drains cleanly.
	err = processor.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
