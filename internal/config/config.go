package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the coordinator process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with in-memory stores and no brokers.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers        []string
	KafkaPositionsTopic string
	KafkaBookingTopic   string

	PGDSN string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	NotifyWebhookURL string

	HistoryCapacity  int
	SubscriberBuffer int
	IdleRetention    time.Duration
	EndedRetention   time.Duration
	// EndedMemory is how long an evicted ended trip still refuses positions.
	EndedMemory      time.Duration
	SweepInterval    time.Duration
	LockFallbackHold time.Duration
	PickupTimezone   string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		KafkaPositionsTopic: "trip-positions",
		KafkaBookingTopic:   "booking-events",
		MQTTTopic:           "trips/+/position",
		MQTTClientID:        "trip-coordinator",
		HistoryCapacity:     500,
		SubscriberBuffer:    1024,
		IdleRetention:       30 * time.Minute,
		EndedRetention:      10 * time.Minute,
		EndedMemory:         7 * 24 * time.Hour,
		SweepInterval:       time.Minute,
		LockFallbackHold:    24 * time.Hour,
		PickupTimezone:      "UTC",
		LogLevel:            "info",
	}
}

// LoadEnvFile applies a .env file if present. A missing file is not an error.
func LoadEnvFile(paths ...string) error {
	err := godotenv.Load(paths...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPositionsTopic, "KAFKA_POSITIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaBookingTopic, "KAFKA_BOOKING_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.MQTTBroker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	setStringFromEnv(&cfg.MQTTTopic, "MQTT_TOPIC")
	setStringFromEnv(&cfg.MQTTClientID, "MQTT_CLIENT_ID")

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))

	setIntFromEnv(&cfg.HistoryCapacity, "TRIP_HISTORY_CAPACITY", &errs)
	setIntFromEnv(&cfg.SubscriberBuffer, "SUBSCRIBER_BUFFER", &errs)
	setDurationFromEnv(&cfg.IdleRetention, "TRIP_IDLE_RETENTION", &errs)
	setDurationFromEnv(&cfg.EndedRetention, "TRIP_ENDED_RETENTION", &errs)
	setDurationFromEnv(&cfg.EndedMemory, "TRIP_ENDED_MEMORY", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LockFallbackHold, "LOCK_FALLBACK_HOLD", &errs)
	setStringFromEnv(&cfg.PickupTimezone, "PICKUP_TIMEZONE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.HistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("TRIP_HISTORY_CAPACITY must be > 0"))
	}
	// a late joiner gets the full history replayed into its outbox
	if cfg.EndedMemory < cfg.EndedRetention {
		errs = append(errs, fmt.Errorf("TRIP_ENDED_MEMORY must be >= TRIP_ENDED_RETENTION"))
	}
	if cfg.SubscriberBuffer <= cfg.HistoryCapacity {
		errs = append(errs, fmt.Errorf("SUBSCRIBER_BUFFER must be > TRIP_HISTORY_CAPACITY"))
	}
	for key, d := range map[string]time.Duration{
		"TRIP_IDLE_RETENTION":  cfg.IdleRetention,
		"TRIP_ENDED_RETENTION": cfg.EndedRetention,
		"TRIP_ENDED_MEMORY":    cfg.EndedMemory,
		"SWEEP_INTERVAL":       cfg.SweepInterval,
		"LOCK_FALLBACK_HOLD":   cfg.LockFallbackHold,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if _, err := time.LoadLocation(cfg.PickupTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid PICKUP_TIMEZONE: %w", err))
	}

	return cfg, errors.Join(errs...)
}

// Location returns the zone pickup and drop wall-clock times are read in.
func (c ServerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.PickupTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConsumerConfig configures the booking status-change consumer.
type ConsumerConfig struct {
	KafkaBrokers     []string
	KafkaStatusTopic string
	KafkaGroup       string

	RedisAddr     string
	RedisPassword string
	PGDSN         string

	LockFallbackHold time.Duration
	PickupTimezone   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaStatusTopic: "booking-status-changes",
		KafkaGroup:       "trip-coordinator-status",
		LockFallbackHold: 24 * time.Hour,
		PickupTimezone:   "UTC",
		MetricsAddr:      ":9102",
		LogLevel:         "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaStatusTopic, "KAFKA_STATUS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setDurationFromEnv(&cfg.LockFallbackHold, "LOCK_FALLBACK_HOLD", &errs)
	setStringFromEnv(&cfg.PickupTimezone, "PICKUP_TIMEZONE")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.LockFallbackHold <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_FALLBACK_HOLD must be > 0"))
	}
	if _, err := time.LoadLocation(cfg.PickupTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid PICKUP_TIMEZONE: %w", err))
	}

	return cfg, errors.Join(errs...)
}

func (c ConsumerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.PickupTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
