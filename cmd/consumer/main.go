package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_heartbeats_consumed_total",
		Help: "Total driver heartbeat messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_heartbeats_invalid_total",
		Help: "Total malformed heartbeat messages skipped",
	})
	heartbeatsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_heartbeats_applied_total",
		Help: "Total heartbeats recorded against a driver",
	})
	heartbeatErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_heartbeat_errors_total",
		Help: "Heartbeats that could not be applied, by error code",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, heartbeatsApplied, heartbeatErrors)
}

func main() {
	var cfgPath, metricsAddr string
	flag.StringVar(&cfgPath, "config", "", "optional YAML configuration file")
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	if err := run(cfgPath, metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, metricsAddr string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "consumer"})
	if cfg.Postgres.DSN == "" {
		return errors.New("consumer requires postgres.dsn or PG_DSN")
	}
	brokers := cfg.Kafka.Brokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	store := storage.WithRetry(pg, storage.RetryPolicy{
		Attempts:  cfg.Storage.RetryAttempts,
		BaseDelay: cfg.Storage.RetryBaseDelay,
		MaxDelay:  cfg.Storage.RetryMaxDelay,
	})

	var spatial geo.Geo
	var redisGeo *geo.RedisGeo
	if cfg.Redis.Addr != "" {
		redisGeo = geo.NewRedisGeo(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.GeoKey)
		defer redisGeo.Close()
		spatial = redisGeo
	}
	avail := availability.New(store, spatial, nil, logger)

	go serveMetrics(metricsAddr, pg, redisGeo, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Kafka.HeartbeatTopic,
		GroupID:  cfg.Kafka.ConsumerGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.Kafka.HeartbeatTopic, "brokers", brokers, "group", cfg.Kafka.ConsumerGroup)
	consume(ctx, r, avail, logger)
	return nil
}

func serveMetrics(addr string, pg *storage.PostgresStore, rg *geo.RedisGeo, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pg.Ping(r.Context()); err != nil {
			http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
			return
		}
		if rg != nil {
			if err := rg.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// MessageReader is the part of kafka.Reader the consume loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// HeartbeatApplier records a driver heartbeat.
type HeartbeatApplier interface {
	Heartbeat(ctx context.Context, driverID string, loc models.Coord) (models.Driver, error)
}

func consume(ctx context.Context, r MessageReader, applier HeartbeatApplier, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, applier, m.Value, logger)
	}
}

func handleMessage(ctx context.Context, applier HeartbeatApplier, value []byte, logger *slog.Logger) {
	msgsConsumed.Inc()
	hb, err := ingest.DecodeHeartbeat(value)
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid heartbeat", "error", err)
		return
	}
	if err := applyWithRetry(ctx, applier, hb, 3, 200*time.Millisecond); err != nil {
		heartbeatErrors.WithLabelValues(models.Code(err)).Inc()
		logger.Warn("heartbeat not applied", "driver_id", hb.DriverID, "error", err)
		return
	}
	heartbeatsApplied.Inc()
}

// applyWithRetry retries infrastructure failures with doubling delay. Business
// errors such as an unknown driver are returned at once.
func applyWithRetry(ctx context.Context, applier HeartbeatApplier, hb ingest.HeartbeatMessage, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = applier.Heartbeat(ctx, hb.DriverID, hb.Location()); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func retryable(err error) bool {
	switch models.Code(err) {
	case models.CodeInternal, models.CodeConflict:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
