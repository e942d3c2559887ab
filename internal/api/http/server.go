package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/api/http/handlers"
	"github.com/deskflow/helpdesk/internal/auth"
	"github.com/deskflow/helpdesk/internal/observability"
	"github.com/deskflow/helpdesk/internal/persistence"
	"github.com/deskflow/helpdesk/internal/repository"
	"github.com/deskflow/helpdesk/internal/service"
)

// ServerDependencies bundles what the HTTP surface needs.
type ServerDependencies struct {
	Name           string
	Version        string
	RequestTimeout time.Duration
	// BodyLimit caps a request body; it must fit a full attachment batch.
	BodyLimit int
	Tickets   *service.TicketService
	Auth      *service.AuthService
	Users     repository.UserRepository
	Metrics   *observability.Metrics
	Probes    []persistence.Probe
	Logger    *zap.Logger
}

// NewServer builds the fiber application with middleware and routes.
func NewServer(deps ServerDependencies) *fiber.App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               deps.Name,
		BodyLimit:             deps.BodyLimit,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})
	RegisterMiddlewares(app, logger, deps.Metrics, deps.RequestTimeout)

	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler(deps.Name, deps.Version, deps.Metrics, deps.Probes...),
		Auth:           handlers.NewAuthHandler(deps.Auth),
		Tickets:        handlers.NewTicketsHandler(deps.Tickets),
		AuthMiddleware: auth.NewAuthMiddleware(deps.Auth.TokenManager(), deps.Users),
	})
	return app
}
