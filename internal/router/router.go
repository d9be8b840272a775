package router

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/handlers"
	"github.com/anonto42/tilt/backend/internal/middleware"
	"github.com/anonto42/tilt/backend/internal/posts"
	"github.com/anonto42/tilt/backend/internal/profile"
	"github.com/anonto42/tilt/backend/internal/retry"
	"github.com/anonto42/tilt/backend/internal/session"
	"github.com/anonto42/tilt/backend/internal/social"
	"github.com/anonto42/tilt/backend/internal/thread"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// Deps are the services the routes are wired to.
type Deps struct {
	Store                docstore.Store
	Verifier             session.Verifier
	Composer             *posts.Composer
	Profiles             *profile.Service
	Graph                *social.Graph
	Locator              thread.Locator
	Retry                retry.Policy
	FeedPageSize         int
	NotificationPageSize int
}

// SetupRoutes configures all application routes and injects dependencies
func SetupRoutes(e *echo.Echo, d Deps) {
	// Health check - always accessible
	e.GET("/health", handlers.HealthCheck)

	// --- Protected routes ---
	api := e.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(d.Verifier, func(ctx context.Context, u session.User) error {
		_, err := d.Profiles.Ensure(ctx, u)
		return err
	}))

	handlers.NewPostHandler(d.Store, d.Composer, d.Locator, d.FeedPageSize).RegisterPostRoutes(api)
	handlers.NewReactionHandler(d.Store, d.Locator, d.Retry).RegisterReactionRoutes(api)
	handlers.NewFollowHandler(d.Graph).RegisterFollowRoutes(api)
	handlers.NewUserHandler(d.Profiles, d.FeedPageSize).RegisterProfileRoutes(api)
	handlers.NewNotificationHandler(d.Store, d.NotificationPageSize).RegisterNotificationRoutes(api)
	handlers.NewLiveHandler(d.Store, d.Locator, d.Graph, d.Retry, d.FeedPageSize, d.NotificationPageSize).RegisterLiveRoutes(api)

	logger.Log.Info("all routes configured")
}
