// Command outbox-relay drains an outbox table into a RabbitMQ exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-outbox/launcher"
	libLog "github.com/LerianStudio/lib-outbox/log"
	"github.com/LerianStudio/lib-outbox/outbox"
	"github.com/LerianStudio/lib-outbox/outbox/postgres"
	"github.com/LerianStudio/lib-outbox/outbox/rabbitmq"
	outboxredis "github.com/LerianStudio/lib-outbox/outbox/redis"
	"github.com/LerianStudio/lib-outbox/outbox/sqlite"
	"github.com/LerianStudio/lib-outbox/telemetry"
	"github.com/LerianStudio/lib-outbox/zap"
)

func main() {
	cfg, err := ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	logger, err := zap.New(cfg.loggerConfig())
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync(context.Background()) }()

	tel, err := telemetry.Init(ctx, cfg.telemetryConfig(), logger)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			libLog.SafeError(logger, shutdownCtx, "telemetry shutdown failed", err)
		}
	}()

	tracer := otel.Tracer(serviceName)

	store, closeStore, err := openStore(ctx, cfg, logger, tracer)
	if err != nil {
		return err
	}
	defer closeStore()

	relay, err := rabbitmq.Dial(cfg.RabbitURL, cfg.RabbitExchange,
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	defer func() { _ = relay.Close() }()

	registry := outbox.NewHandlerRegistry()

	var middlewares []outbox.Middleware
	if cfg.CircuitBreaker {
		breaker := outbox.DefaultCircuitBreakerConfig("rabbitmq:" + cfg.RabbitExchange)
		breaker.Logger = logger

		if cfg.BreakerTimeout > 0 {
			breaker.Timeout = cfg.BreakerTimeout
		}
		middlewares = append(middlewares, outbox.CircuitBreaker(breaker))
	}

	for _, topic := range cfg.Topics {
		if err := registry.Register(topic, relay, middlewares...); err != nil {
			return fmt.Errorf("register topic %q: %w", topic, err)
		}
	}

	order, err := cfg.priorityOrder()
	if err != nil {
		return err
	}

	dispatcherOpts := []outbox.DispatcherOption{
		outbox.WithPollInterval(cfg.PollInterval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithWorkers(cfg.Workers),
		outbox.WithHandlerTimeout(cfg.HandlerTimeout),
		outbox.WithClaimTimeout(cfg.ClaimTimeout),
		outbox.WithPriorityOrder(order),
		outbox.WithRetryPolicy(cfg.retryPolicy()),
	}

	apps := []launcher.LauncherOption{
		launcher.WithLogger(logger),
		launcher.WithShutdownTimeout(cfg.ShutdownTimeout),
	}

	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()

		notifier, err := outboxredis.New(client,
			outboxredis.WithChannel(cfg.RedisChannel),
			outboxredis.WithLogger(logger),
		)
		if err != nil {
			return err
		}

		dispatcherOpts = append(dispatcherOpts, outbox.WithNotifier(notifier))
		apps = append(apps, launcher.RunApp("wake-listener", launcher.Func(notifier.Run)))
	}

	dispatcher, err := outbox.NewDispatcher(store, registry, logger, tracer, dispatcherOpts...)
	if err != nil {
		return err
	}

	sweeper, err := outbox.NewSweeper(store, logger, tracer,
		outbox.WithSweepInterval(cfg.SweepInterval),
		outbox.WithSweepClaimTimeout(cfg.ClaimTimeout),
		outbox.WithSweepMaxAttempts(cfg.MaxAttempts),
	)
	if err != nil {
		return err
	}

	apps = append(apps,
		launcher.RunApp("sweeper", sweeper),
		launcher.RunApp("dispatcher", dispatcher),
	)

	logger.Log(ctx, libLog.LevelInfo, "outbox relay starting",
		libLog.String("store", cfg.Store),
		libLog.String("exchange", cfg.RabbitExchange),
		libLog.Int("topics", len(cfg.Topics)),
	)

	return launcher.NewLauncher(apps...).Run(ctx)
}

func openStore(ctx context.Context, cfg Config, logger libLog.Logger, tracer trace.Tracer) (outbox.Store, func(), error) {
	switch cfg.Store {
	case storeSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}

		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}

		return store, func() { _ = store.Close() }, nil
	case storePostgres:
		db, err := postgres.Connect(ctx, postgres.ConnectionConfig{
			PrimaryDSN:   cfg.PostgresPrimaryDSN,
			ReplicaDSN:   cfg.PostgresReplicaDSN,
			MaxOpenConns: cfg.PostgresMaxOpenConns,
			MaxIdleConns: cfg.PostgresMaxIdleConns,
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		closeDB := func() { _ = db.Close() }

		if cfg.Migrate {
			primary, err := postgres.Primary(db)
			if err == nil {
				err = postgres.Migrate(ctx, primary, cfg.PostgresDBName, logger)
			}

			if err != nil {
				closeDB()

				return nil, nil, err
			}
		}

		store, err := postgres.New(db, postgres.WithLogger(logger), postgres.WithTracer(tracer))
		if err != nil {
			closeDB()

			return nil, nil, err
		}

		return store, closeDB, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Store)
	}
}
