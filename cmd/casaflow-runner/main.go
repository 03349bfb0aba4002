package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/casaflow/casaflow/pkg/cmd"
	"github.com/casaflow/casaflow/pkg/contacts/memory"
	"github.com/casaflow/casaflow/pkg/engine"
	"github.com/casaflow/casaflow/pkg/locks"
	"github.com/casaflow/casaflow/pkg/log"
	"github.com/casaflow/casaflow/pkg/otelhelper"
)

const (
	defaultInterval    = time.Minute
	defaultLockTTL     = 2 * time.Minute
	defaultBatchSize   = 100
	defaultMaxDuration = 55 * time.Second
)

func main() {
	command := &cli.Command{
		Name:                  "casaflow-runner",
		EnableShellCompletion: true,
		Usage:                 "Run due workflow enrollments in scheduled batches",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "runner-id",
				Aliases: []string{"id"},
				Usage:   "Custom runner ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("RUNNER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the cross-replica runner lock (disabled when empty)",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Time between batch runs",
				Value:   defaultInterval,
				Sources: cli.EnvVars("RUN_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum enrollments claimed per batch",
				Value:   defaultBatchSize,
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "max-duration",
				Usage:   "Time budget for a single batch run",
				Value:   defaultMaxDuration,
				Sources: cli.EnvVars("MAX_DURATION"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "email-webhook-url",
				Usage:   "Outbound webhook endpoint for email delivery",
				Sources: cli.EnvVars("EMAIL_WEBHOOK_URL"),
			},
			&cli.StringFlag{
				Name:    "sms-webhook-url",
				Usage:   "Outbound webhook endpoint for SMS delivery",
				Sources: cli.EnvVars("SMS_WEBHOOK_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			runnerID := command.String("runner-id")
			if runnerID == "" {
				runnerID = "runner-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("casaflow-runner").With("runner_id", runnerID)

			logger.InfoContext(ctx, "Initializing CasaFlow Runner")

			registry := cmd.NewRegistry(logger, cmd.SenderConfig{
				EmailEndpoint: command.String("email-webhook-url"),
				SMSEndpoint:   command.String("sms-webhook-url"),
			})

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			var tracer trace.Tracer

			if command.Bool("tracing") {
				tracer, err = otelhelper.NewTracer(ctx, "casaflow-runner")
				if err != nil {
					return err
				}
			}

			var lock *locks.RedisLock

			if addr := command.String("redis-addr"); addr != "" {
				lock, err = locks.NewRedisLock(addr, "casaflow:runner:lock", defaultLockTTL, logger)
				if err != nil {
					return err
				}

				defer func() {
					if err := lock.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close lock client", "error", err)
					}
				}()
			}

			executor := engine.NewExecutor(registry, memory.NewSource(), eventBus, logger)
			runner := engine.NewRunner(engine.Config{
				RunnerID:    runnerID,
				BatchSize:   command.Int("batch-size"),
				MaxDuration: command.Duration("max-duration"),
			}, persistence, executor, eventBus, tracer, logger)

			manager := NewRunnerManager(runnerID, runner, lock, command.Duration("interval"), logger)

			return manager.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
