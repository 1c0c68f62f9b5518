package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/mirkobrombin/go-notelock/v1/telemetry"
)

const (
	backendMemory = "memory"
	backendRedis  = "redis"
	backendNATS   = "nats"
	backendKafka  = "kafka"
)

// Config holds the daemon settings.
type Config struct {
	Addr            string
	Backend         string
	StrictRelease   bool
	ShutdownTimeout time.Duration

	// Redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// NATS backend
	NATSURL string

	// Kafka backend
	KafkaBrokers []string

	Environment       string
	TelemetryEndpoint string
	TelemetryDebug    bool
}

// loadEnvFile exports the variables of path that are not already set. A
// missing file is not an error so the daemon runs on plain env vars too.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "HTTP listen address",
			Value:   ":8080",
			Sources: cli.EnvVars("NOTELOCK_ADDR"),
		},
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "lock backend (memory, redis, nats, kafka)",
			Value:   backendMemory,
			Sources: cli.EnvVars("NOTELOCK_BACKEND"),
		},
		&cli.BoolFlag{
			Name:    "strict-release",
			Usage:   "reject releases of keys that are not held with 409",
			Sources: cli.EnvVars("NOTELOCK_STRICT_RELEASE"),
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "grace period for in-flight requests on shutdown",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("NOTELOCK_SHUTDOWN_TIMEOUT"),
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address",
			Value:   "localhost:6379",
			Sources: cli.EnvVars("NOTELOCK_REDIS_ADDR"),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			Sources: cli.EnvVars("NOTELOCK_REDIS_PASSWORD"),
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database",
			Sources: cli.EnvVars("NOTELOCK_REDIS_DB"),
		},
		&cli.DurationFlag{
			Name:    "redis-ttl",
			Usage:   "expiry of Redis locks, 0 keeps them until released",
			Sources: cli.EnvVars("NOTELOCK_REDIS_TTL"),
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server URL",
			Value:   "nats://127.0.0.1:4222",
			Sources: cli.EnvVars("NOTELOCK_NATS_URL"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Value:   []string{"localhost:9092"},
			Sources: cli.EnvVars("NOTELOCK_KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "deployment environment, development disables telemetry",
			Value:   telemetry.EnvironmentDevelopment,
			Sources: cli.EnvVars("NOTELOCK_ENVIRONMENT"),
		},
		&cli.StringFlag{
			Name:    "telemetry-endpoint",
			Usage:   "OTLP/HTTP traces endpoint",
			Value:   telemetry.DefaultEndpoint,
			Sources: cli.EnvVars("NOTELOCK_TELEMETRY_ENDPOINT"),
		},
		&cli.BoolFlag{
			Name:    "telemetry-debug",
			Usage:   "print spans to stdout instead of exporting them",
			Sources: cli.EnvVars("NOTELOCK_TELEMETRY_DEBUG"),
		},
	}
}

func configFromCommand(cmd *cli.Command) (Config, error) {
	cfg := Config{
		Addr:              cmd.String("addr"),
		Backend:           strings.ToLower(cmd.String("backend")),
		StrictRelease:     cmd.Bool("strict-release"),
		ShutdownTimeout:   cmd.Duration("shutdown-timeout"),
		RedisAddr:         cmd.String("redis-addr"),
		RedisPassword:     cmd.String("redis-password"),
		RedisDB:           cmd.Int("redis-db"),
		RedisTTL:          cmd.Duration("redis-ttl"),
		NATSURL:           cmd.String("nats-url"),
		KafkaBrokers:      cmd.StringSlice("kafka-brokers"),
		Environment:       cmd.String("environment"),
		TelemetryEndpoint: cmd.String("telemetry-endpoint"),
		TelemetryDebug:    cmd.Bool("telemetry-debug"),
	}
	return cfg, cfg.Validate()
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch c.Backend {
	case backendMemory:
	case backendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis backend requires --redis-addr")
		}
	case backendNATS:
		if c.NATSURL == "" {
			return errors.New("nats backend requires --nats-url")
		}
	case backendKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("kafka backend requires --kafka-brokers")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Addr == "" {
		return errors.New("listen address is empty")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	return nil
}

// Telemetry returns the reporter settings of the server surface.
func (c Config) Telemetry() telemetry.Options {
	opts := telemetry.DefaultOptions(telemetry.SurfaceServer, c.Environment)
	opts.Endpoint = c.TelemetryEndpoint
	opts.Debug = c.TelemetryDebug
	return opts
}
