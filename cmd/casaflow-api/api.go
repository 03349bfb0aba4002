// Package main provides the CasaFlow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/casaflow/casaflow/pkg/engine"
	"github.com/casaflow/casaflow/pkg/eventbus"
	"github.com/casaflow/casaflow/pkg/persistence"
	"github.com/casaflow/casaflow/pkg/protocol"
	"github.com/casaflow/casaflow/pkg/registry"
	"github.com/casaflow/casaflow/pkg/services"
	"github.com/casaflow/casaflow/pkg/web"
)

type API struct {
	logger       *slog.Logger
	persistence  persistence.Persistence
	registry     *registry.Registry
	contacts     protocol.ContactSource
	eventBus     eventbus.EventBus
	validate     *validator.Validate
	runnerSecret string
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	reg *registry.Registry,
	contacts protocol.ContactSource,
	eventBus eventbus.EventBus,
	runnerSecret string,
) *API {
	return &API{
		logger:       logger,
		persistence:  store,
		registry:     reg,
		contacts:     contacts,
		eventBus:     eventBus,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		runnerSecret: runnerSecret,
	}
}

func (a *API) App() *fiber.App {
	workflowService := services.NewWorkflow(a.persistence, a.registry, a.eventBus)
	enrollmentService := services.NewEnrollment(a.persistence, a.eventBus)

	executor := engine.NewExecutor(a.registry, a.contacts, a.eventBus, a.logger)
	runner := engine.NewRunner(engine.Config{RunnerID: "api"}, a.persistence, executor, a.eventBus, nil, a.logger)

	handlers := web.NewAPIHandlers(workflowService, enrollmentService, runner, a.validate, a.runnerSecret)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("CasaFlow API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
