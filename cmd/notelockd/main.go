package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-notelock/v1/httpapi"
	"github.com/mirkobrombin/go-notelock/v1/lock"
	"github.com/mirkobrombin/go-notelock/v1/metrics"
	"github.com/mirkobrombin/go-notelock/v1/presets"
	"github.com/mirkobrombin/go-notelock/v1/syncbus"
	"github.com/mirkobrombin/go-notelock/v1/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	envFile := os.Getenv("NOTELOCK_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := loadEnvFile(envFile); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "notelockd",
		Usage: "key-scoped lock service for notebook edits",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the lock API over HTTP",
				Flags:  serveFlags(),
				Action: serveAction,
			},
		},
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFromCommand(cmd)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return serve(ctx, cfg, ln, slog.Default())
}

// backend is an opened lock backend and the bus its events travel on.
type backend struct {
	locker  lock.Locker
	bus     syncbus.Bus
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg Config, logger *slog.Logger) (*backend, error) {
	opts := []lock.Option{lock.WithLogger(logger)}
	if cfg.StrictRelease {
		opts = append(opts, lock.WithStrictRelease())
	}

	switch cfg.Backend {
	case backendMemory:
		m := presets.InMemory(opts...)
		return &backend{locker: m, bus: m.Bus()}, nil

	case backendRedis:
		client := presets.NewRedisClient(presets.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		ropts := []lock.RedisOption{lock.WithRedisLogger(logger), lock.WithRedisTTL(cfg.RedisTTL)}
		if cfg.StrictRelease {
			ropts = append(ropts, lock.WithRedisStrictRelease())
		}
		r := presets.RedisLocker(client, ropts...)
		return &backend{locker: r, bus: r.Bus(), closers: []func() error{client.Close}}, nil

	case backendNATS:
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("notelockd"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats %s: %w", cfg.NATSURL, err)
		}
		m := presets.NATS(conn, opts...)
		closeConn := func() error {
			conn.Close()
			return nil
		}
		return &backend{locker: m, bus: m.Bus(), closers: []func() error{closeConn}}, nil

	case backendKafka:
		m, closer, err := presets.Kafka(cfg.KafkaBrokers, nil, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect to kafka: %w", err)
		}
		return &backend{locker: m, bus: m.Bus(), closers: []func() error{closer.Close}}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// serve runs the HTTP API on ln until ctx is done.
func serve(ctx context.Context, cfg Config, ln net.Listener, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry())
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("notelockd: telemetry shutdown failed", "error", err)
		}
	}()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.Warn("notelockd: backend close failed", "error", err)
		}
	}()

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	api := httpapi.NewHandler(be.locker, be.bus, httpapi.WithLogger(logger))
	mux := http.NewServeMux()
	mux.Handle("/v1/", httpapi.CORS(httpapi.DefaultCORSOptions(), api))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("notelockd: listening", "addr", ln.Addr().String(), "backend", cfg.Backend)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("notelockd: shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
