package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the trip service runtime configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	PostgresDSN  string
	Migrate      bool
	RedisAddr    string
	NATSURL      string
	EventsPrefix string

	GoogleMapsKey string
	RouteTimeout  time.Duration
	RouteCacheTTL time.Duration

	Fare FareConfig

	IdempotencyTTL time.Duration
	LockTTL        time.Duration

	JWTSecret string
	ReadRate  RateConfig
	WriteRate RateConfig

	Outbox OutboxConfig

	SubscriberBuffer int
}

type FareConfig struct {
	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64
}

type RateConfig struct {
	Rate  float64
	Burst float64
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	RetryBase    time.Duration
}

// Load reads an optional .env file and then the process environment.
// Environment variables win over .env entries.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("POSTGRES_MIGRATE", true)
	v.SetDefault("EVENTS_PREFIX", "trip.events")
	v.SetDefault("ROUTE_TIMEOUT", 10*time.Second)
	v.SetDefault("ROUTE_CACHE_TTL", 10*time.Minute)
	v.SetDefault("FARE_BASE", 200.0)
	v.SetDefault("FARE_PER_KM", 500.0)
	v.SetDefault("FARE_PER_MINUTE", 0.0)
	v.SetDefault("IDEMPOTENCY_TTL", 24*time.Hour)
	v.SetDefault("LOCK_TTL", 5*time.Second)
	v.SetDefault("RATE_READ", 20.0)
	v.SetDefault("RATE_READ_BURST", 40.0)
	v.SetDefault("RATE_WRITE", 5.0)
	v.SetDefault("RATE_WRITE_BURST", 10.0)
	v.SetDefault("OUTBOX_POLL", 200*time.Millisecond)
	v.SetDefault("OUTBOX_BATCH", 100)
	v.SetDefault("OUTBOX_RETRY_MAX", 3)
	v.SetDefault("OUTBOX_RETRY_BASE", 100*time.Millisecond)
	v.SetDefault("SUBSCRIBER_BUFFER", 256)
	return v
}

// FromViper builds a Config from v and validates it.
func FromViper(v *viper.Viper) (Config, error) {
	dsn := v.GetString("POSTGRES_DSN")
	if dsn == "" {
		dsn = v.GetString("DATABASE_URL")
	}
	cfg := Config{
		HTTPAddr:      v.GetString("HTTP_ADDR"),
		GRPCAddr:      v.GetString("GRPC_ADDR"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		PostgresDSN:   dsn,
		Migrate:       v.GetBool("POSTGRES_MIGRATE"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		NATSURL:       v.GetString("NATS_URL"),
		EventsPrefix:  v.GetString("EVENTS_PREFIX"),
		GoogleMapsKey: v.GetString("GOOGLE_MAPS_API_KEY"),
		RouteTimeout:  v.GetDuration("ROUTE_TIMEOUT"),
		RouteCacheTTL: v.GetDuration("ROUTE_CACHE_TTL"),
		Fare: FareConfig{
			BaseFare:      v.GetFloat64("FARE_BASE"),
			PerKmRate:     v.GetFloat64("FARE_PER_KM"),
			PerMinuteRate: v.GetFloat64("FARE_PER_MINUTE"),
		},
		IdempotencyTTL: v.GetDuration("IDEMPOTENCY_TTL"),
		LockTTL:        v.GetDuration("LOCK_TTL"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		ReadRate:       RateConfig{Rate: v.GetFloat64("RATE_READ"), Burst: v.GetFloat64("RATE_READ_BURST")},
		WriteRate:      RateConfig{Rate: v.GetFloat64("RATE_WRITE"), Burst: v.GetFloat64("RATE_WRITE_BURST")},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("OUTBOX_POLL"),
			BatchSize:    v.GetInt("OUTBOX_BATCH"),
			RetryMax:     v.GetInt("OUTBOX_RETRY_MAX"),
			RetryBase:    v.GetDuration("OUTBOX_RETRY_BASE"),
		},
		SubscriberBuffer: v.GetInt("SUBSCRIBER_BUFFER"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	if c.Fare.BaseFare < 0 || c.Fare.PerKmRate < 0 || c.Fare.PerMinuteRate < 0 {
		errs = append(errs, errors.New("fare rates must be non-negative"))
	}
	if c.RouteTimeout <= 0 {
		errs = append(errs, errors.New("ROUTE_TIMEOUT must be positive"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("SUBSCRIBER_BUFFER must be positive"))
	}
	if c.EventsPrefix == "" {
		errs = append(errs, errors.New("EVENTS_PREFIX is required"))
	}
	return errors.Join(errs...)
}
