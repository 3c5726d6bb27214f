// Command engine-worker runs the queue-driven run processor: it polls the
// execute and ai queues, advances runs one step at a time, and retires
// expired idempotency keys on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/flowforge/enginecore/internal/engine"
	"github.com/flowforge/enginecore/internal/events"
	"github.com/flowforge/enginecore/internal/handler"
	"github.com/flowforge/enginecore/internal/queue"
	"github.com/flowforge/enginecore/internal/runlock"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/telemetry"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "engine-worker",
		Usage:                 "Run the webhook workflow engine's queue-driven run processor",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "postgres connection URL for the durable store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "redis-url",
				Usage:    "redis connection URL for the queue and run lock",
				Required: true,
				Sources:  cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "lm-studio-url",
				Usage:   "base URL of the OpenAI-compatible endpoint AI steps call",
				Value:   "http://localhost:1234",
				Sources: cli.EnvVars("LM_STUDIO_URL"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "comma-separated Kafka brokers for the domain event bus (gochannel used if empty)",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "max-step-output-bytes",
				Value:   262_144,
				Sources: cli.EnvVars("MAX_STEP_OUTPUT_BYTES"),
			},
			&cli.IntFlag{
				Name:    "max-context-size-bytes",
				Value:   1_048_576,
				Sources: cli.EnvVars("MAX_CONTEXT_SIZE_BYTES"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	logger := telemetry.SetupLogger(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}

		workerID = "worker-" + id.String()[:8]
	}

	logger = logger.With("workerId", workerID)
	logger.InfoContext(ctx, "initializing engine worker")

	tracer, err := telemetry.NewTracer(ctx, "engine-worker")
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	st, err := store.NewPostgresStore(ctx, command.String("database-url"), logger)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.ErrorContext(ctx, "close store failed", "error", err)
		}
	}()

	redisOpts, err := redis.ParseURL(command.String("redis-url"))
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.ErrorContext(ctx, "close redis client failed", "error", err)
		}
	}()

	broker := queue.NewRedisBroker(redisClient, logger)
	locks := runlock.NewManager(redisClient, logger)
	registry := handler.NewDefaultRegistry(handler.Dependencies{LMStudioURL: command.String("lm-studio-url")})

	publisher, closeEventBus, err := setupEventPublisher(command, logger)
	if err != nil {
		return fmt.Errorf("setup event bus: %w", err)
	}
	defer closeEventBus()

	cfg := engine.DefaultConfig()
	cfg.MaxStepOutputBytes = int(command.Int("max-step-output-bytes"))
	cfg.MaxContextSizeBytes = int(command.Int("max-context-size-bytes"))

	processor := engine.NewProcessor(st, broker, locks, registry, cfg, logger, tracer, publisher)
	worker := engine.NewWorker(workerID, broker, processor, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(runCtx, queue.Execute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(runCtx, queue.AI)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		broker.RunScheduler(runCtx, queue.Execute, queue.AI)
	}()

	idempotencyCleanup := cron.New()

	_, err = idempotencyCleanup.AddFunc("@hourly", func() {
		deleted, err := st.IdempotencyKeys().DeleteExpired(runCtx, time.Now().UTC())
		if err != nil {
			logger.ErrorContext(runCtx, "idempotency cleanup failed", "error", err)

			return
		}

		logger.InfoContext(runCtx, "idempotency cleanup completed", "deleted", deleted)
	})
	if err != nil {
		return fmt.Errorf("schedule idempotency cleanup: %w", err)
	}

	idempotencyCleanup.Start()
	defer idempotencyCleanup.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.InfoContext(ctx, "shutting down engine worker")
	cancel()
	wg.Wait()

	return nil
}

// setupEventPublisher builds a domain-event publisher over Kafka when
// KAFKA_BROKERS is set, or an in-process GoChannel otherwise — the same
// kafka-or-gochannel dispatch the teacher's pkg/cmd/event_bus.go makes,
// generalized to a local fallback instead of a required provider flag.
func setupEventPublisher(command *cli.Command, logger *slog.Logger) (*events.Publisher, func(), error) {
	watermillLogger := watermill.NewSlogLogger(logger)

	if brokers := command.String("kafka-brokers"); strings.TrimSpace(brokers) != "" {
		pub, sub, err := events.NewKafkaChannel(watermillLogger, "engine-worker")
		if err != nil {
			return nil, nil, err
		}

		closeFn := func() {
			if err := pub.Close(); err != nil {
				logger.Error("close kafka publisher failed", "error", err)
			}

			if err := sub.Close(); err != nil {
				logger.Error("close kafka subscriber failed", "error", err)
			}
		}

		return events.NewPublisher(pub, logger), closeFn, nil
	}

	pubSub := events.NewGoChannel(watermillLogger)

	return events.NewPublisher(pubSub, logger), func() {
		if err := pubSub.Close(); err != nil {
			logger.Error("close gochannel bus failed", "error", err)
		}
	}, nil
}
