package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/trip-coordinator/internal/config"
	"github.com/example/trip-coordinator/internal/dispatch"
	httpapi "github.com/example/trip-coordinator/internal/http"
	"github.com/example/trip-coordinator/internal/ingest"
	"github.com/example/trip-coordinator/internal/locks"
	"github.com/example/trip-coordinator/internal/logging"
	"github.com/example/trip-coordinator/internal/orchestrator"
	"github.com/example/trip-coordinator/internal/storage"
	"github.com/example/trip-coordinator/internal/timeparse"
	"github.com/example/trip-coordinator/internal/tracking"
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "trip-coordinator")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("trip-coordinator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ready := map[string]httpapi.ReadyCheck{}

	var bookings storage.BookingStore = storage.NewMemoryBookingStore()
	var vehicles storage.VehicleStore = storage.NewMemoryVehicleStore()
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db, filepath.Join("migrations", "001_create_bookings.sql")); err != nil {
				return err
			}
			logger.Info("migration applied", "file", "001_create_bookings.sql")
		}
		bookings = storage.NewPostgresBookingStore(db)
		vehicles = storage.NewPostgresVehicleStore(db)
		ready["postgres"] = db.PingContext
	} else {
		logger.Warn("PG_DSN not set, bookings and vehicles are kept in memory")
	}
	if cfg.RedisAddr != "" {
		rs := storage.NewRedisVehicleStore(cfg.RedisAddr, cfg.RedisPassword)
		defer rs.Close()
		vehicles = rs
		ready["redis"] = rs.Ping
	}

	notifiers := dispatch.Multi{dispatch.LogNotifier{Logger: logger}}
	var sink tracking.PositionSink
	if len(cfg.KafkaBrokers) > 0 {
		kn := dispatch.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaBookingTopic)
		defer kn.Close()
		notifiers = append(notifiers, kn)

		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic)
		defer kp.Close()
		sink = kp
	}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, dispatch.NewWebhookNotifier(cfg.NotifyWebhookURL))
	}

	parser := timeparse.New(cfg.Location())
	registry := tracking.NewRegistry(tracking.RegistryOptions{
		Capacity:           cfg.HistoryCapacity,
		IdleRetention:      cfg.IdleRetention,
		EndedRetention:     cfg.EndedRetention,
		TombstoneRetention: cfg.EndedMemory,
		Parser:             parser,
		Logger:             logger,
	})
	trk := tracking.NewService(registry, bookings, sink, logger)
	lm := locks.NewManager(vehicles, time.Now, logger)
	orch := orchestrator.NewService(orchestrator.Options{
		Bookings:     bookings,
		Locks:        lm,
		Notifier:     notifiers,
		Trips:        trk,
		Parser:       parser,
		FallbackHold: cfg.LockFallbackHold,
		Logger:       logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Tracking:         trk,
		Orchestrator:     orch,
		Locks:            lm,
		Bookings:         bookings,
		Vehicles:         vehicles,
		SubscriberBuffer: cfg.SubscriberBuffer,
		ReadyChecks:      ready,
		Logger:           logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("trip-coordinator listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return registry.Run(gctx, cfg.SweepInterval) })
	g.Go(func() error { return lm.RunSweeper(gctx, cfg.SweepInterval) })

	if cfg.MQTTBroker != "" {
		sub, err := ingest.NewMQTTSubscriber(ingest.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			QoS:      1,
		}, trk, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return sub.Run(gctx) })
	}

	return g.Wait()
}
