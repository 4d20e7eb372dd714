// The chat-gateway binary is one stateless delivery edge: it subscribes to
// the broadcast channel, routes events to locally connected WebSocket
// clients, and serves health and metrics endpoints. Run as many instances
// as needed behind a load balancer; they never talk to each other.
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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kharwell/chatrelay"
	"github.com/kharwell/chatrelay/config"
	"github.com/kharwell/chatrelay/gateway"
	redistransport "github.com/kharwell/chatrelay/transport/redis"
)

func main() {
	godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).
		With("instance_id", gateway.InstanceID())
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gateway exited", "error", err)
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

	metrics := gateway.NewMetrics("gateway")
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	manager := gateway.NewManager().WithMetrics(metrics)
	router := gateway.NewRouter(manager).WithMetrics(metrics)
	subscriber := gateway.NewSubscriber(bus, router.HandleEvent).
		WithChannel(cfg.BusChannel).
		WithCodec(codec)
	subscriber.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewServer(manager))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := bus.Health(r.Context())
		if !health.IsHealthy() {
			http.Error(w, health.Message, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "channel", cfg.BusChannel)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	subscriber.Stop()
	for _, client := range manager.All() {
		manager.RemoveAndWait(client)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
