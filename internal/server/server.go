package server

import (
	"time"

	"github.com/droidpool/droidpool/internal/controllers"
	"github.com/droidpool/droidpool/internal/version"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type HTTPServerDependencies struct {
	CredentialController *controllers.CredentialController
}

// NewHTTPServer wires the management and proxy-path routes.
func NewHTTPServer(deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName: "droidpool",
	})

	router.Use(cors.New())
	router.Use(logger.New())

	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "droidpool",
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	router.Get("/models", deps.CredentialController.ListModels)

	credentials := router.Group("/credentials")
	credentials.Get("/", deps.CredentialController.List)
	credentials.Post("/oauth", deps.CredentialController.ImportOAuth)
	credentials.Post("/apikey", deps.CredentialController.CreateAPIKey)
	credentials.Get("/:id", deps.CredentialController.Get)
	credentials.Patch("/:id", deps.CredentialController.Update)
	credentials.Delete("/:id", deps.CredentialController.Delete)
	credentials.Post("/:id/disable", deps.CredentialController.Disable)
	credentials.Post("/:id/enable", deps.CredentialController.Enable)
	credentials.Post("/:id/reset", deps.CredentialController.Reset)
	credentials.Post("/:id/check", deps.CredentialController.Check)
	credentials.Post("/:id/refresh", deps.CredentialController.Refresh)

	pool := router.Group("/pool")
	pool.Post("/acquire", deps.CredentialController.Acquire)
	pool.Post("/report", deps.CredentialController.Report)

	return router
}
