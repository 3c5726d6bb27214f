// Command engine-api serves the REST CRUD surface and the webhook
// admission endpoint over the same durable store the engine worker reads
// and writes.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/flowforge/enginecore/internal/api"
	"github.com/flowforge/enginecore/internal/queue"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/telemetry"
	"github.com/flowforge/enginecore/internal/webhook"
	"github.com/gofiber/fiber/v3"
	redis "github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 8080

func main() {
	cmd := &cli.Command{
		Name:                  "engine-api",
		Usage:                 "Serve workflow CRUD and webhook admission for the workflow engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "host/interface to bind to",
				Value:   "0.0.0.0",
				Sources: cli.EnvVars("HOST"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "postgres connection URL for the durable store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "redis-url",
				Usage:    "redis connection URL for the queue",
				Required: true,
				Sources:  cli.EnvVars("REDIS_URL"),
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
	logger.InfoContext(ctx, "initializing engine api")

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

	app := api.NewRouter(st)

	webhookHandler := webhook.NewHandler(st, broker, logger)
	app.Post("/webhooks/:slug", webhookHandler.Accept)

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("workflow engine api")
	})

	addr := command.String("host") + ":" + strconv.Itoa(int(command.Int("port")))
	logger.InfoContext(ctx, "listening", "addr", addr)

	return app.Listen(addr)
}
