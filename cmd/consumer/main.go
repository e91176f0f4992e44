package main

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/example/trip-coordinator/internal/config"
	"github.com/example/trip-coordinator/internal/dispatch"
	"github.com/example/trip-coordinator/internal/locks"
	"github.com/example/trip-coordinator/internal/logging"
	"github.com/example/trip-coordinator/internal/orchestrator"
	"github.com/example/trip-coordinator/internal/storage"
	"github.com/example/trip-coordinator/internal/timeparse"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total booking status messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	transitionsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_transitions_applied_total",
		Help: "Total status transitions whose side effects were applied",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_apply_errors_total",
		Help: "Total transitions that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, transitionsApplied, applyErrors)
}

func main() {
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "trip-coordinator-consumer")
	slog.SetDefault(logger)

	db, err := storage.OpenPostgres(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var vehicles storage.VehicleStore = storage.NewPostgresVehicleStore(db)
	readyChecks := map[string]func(context.Context) error{"postgres": db.PingContext}
	if cfg.RedisAddr != "" {
		rs := storage.NewRedisVehicleStore(cfg.RedisAddr, cfg.RedisPassword)
		defer rs.Close()
		vehicles = rs
		readyChecks["redis"] = rs.Ping
	}

	orch := orchestrator.NewService(orchestrator.Options{
		Bookings:     storage.NewPostgresBookingStore(db),
		Locks:        locks.NewManager(vehicles, time.Now, logger),
		Notifier:     dispatch.LogNotifier{Logger: logger},
		Parser:       timeparse.New(cfg.Location()),
		FallbackHold: cfg.LockFallbackHold,
		Logger:       logger,
	})

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			for name, check := range readyChecks {
				if err := check(r.Context()); err != nil {
					http.Error(w, name+" not ready", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaStatusTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaStatusTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, orch, logger)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Applier runs the side effects of an already persisted transition.
type Applier interface {
	Apply(ctx context.Context, tr orchestrator.Transition) (orchestrator.Result, error)
}

func consume(ctx context.Context, r messageReader, app Applier, logger *slog.Logger) {
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
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()

		tr, err := decodeTransition(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		res, err := applyWithRetry(ctx, app, tr, 3, 200*time.Millisecond)
		if err != nil {
			applyErrors.Inc()
			logger.Error("transition side effects failed", "booking_id", tr.BookingID, "from", tr.From, "to", tr.To, "error", err)
			continue
		}
		transitionsApplied.Inc()
		if len(res.Warnings) > 0 {
			logger.Warn("transition applied with warnings", "booking_id", tr.BookingID, "warnings", res.Warnings)
		}
	}
}

func decodeTransition(b []byte) (orchestrator.Transition, error) {
	var tr orchestrator.Transition
	if err := json.Unmarshal(b, &tr); err != nil {
		return tr, err
	}
	if tr.BookingID == "" {
		return tr, errors.New("missing booking_id")
	}
	if !tr.From.IsValid() || !tr.To.IsValid() {
		return tr, fmt.Errorf("unknown status in %s -> %s", tr.From, tr.To)
	}
	return tr, nil
}

// applyWithRetry retries transient failures with doubling delay. Invalid
// transitions and unknown bookings are permanent and returned at once.
func applyWithRetry(ctx context.Context, app Applier, tr orchestrator.Transition, attempts int, delay time.Duration) (orchestrator.Result, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := app.Apply(ctx, tr)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, orchestrator.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			return res, err
		}
		lastErr = err
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return orchestrator.Result{}, lastErr
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
