package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/casaflow/casaflow/pkg/cmd"
	"github.com/casaflow/casaflow/pkg/contacts/memory"
	"github.com/casaflow/casaflow/pkg/log"
)

const defaultPort = 9090

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "casaflow-api",
		Usage:                 "Create and manage workflow automations",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
				Name:     "runner-secret",
				Usage:    "Shared secret required by the manual engine run endpoint",
				Required: true,
				Sources:  cli.EnvVars("RUNNER_SECRET"),
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

			logger.InfoContext(ctx, "Initializing CasaFlow API")

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

			api := NewAPI(
				logger,
				persistence,
				registry,
				memory.NewSource(),
				eventBus,
				command.String("runner-secret"),
			)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
