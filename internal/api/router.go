package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/cache"
	"github.com/statlerhq/backplane/internal/handlers"
	"github.com/statlerhq/backplane/internal/middleware"
	"github.com/statlerhq/backplane/internal/services"
)

// Deps carries the constructed services the router wires together.
type Deps struct {
	Store    cache.Store
	Sessions *iauth.SessionManager
	APIKeys  *iauth.APIKeyService
	Users    *services.UserService
	Authn    *iauth.Authenticator
	Cookie   middleware.SessionCookieConfig

	// RateStore may be nil to disable rate limiting (tests).
	RateStore  middleware.RateStore
	RateLimit  int
	RateWindow time.Duration
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager must be provided")
	}
	if deps.APIKeys == nil {
		return nil, fmt.Errorf("api key service must be provided")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user service must be provided")
	}
	if deps.Authn == nil {
		return nil, fmt.Errorf("authenticator must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	if deps.RateStore != nil {
		limit := deps.RateLimit
		if limit <= 0 {
			limit = 100
		}
		window := deps.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(middleware.RateLimit(deps.RateStore, limit, window))
	}

	r.NoRoute(middleware.NotFoundHandler)

	// Public endpoints
	r.GET("/health", handlers.Health(deps.Store))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler, err := handlers.NewAuthHandler(deps.Users, deps.Sessions, deps.Cookie)
	if err != nil {
		return nil, err
	}
	sessionHandler, err := handlers.NewSessionHandler(deps.Sessions, deps.Cookie)
	if err != nil {
		return nil, err
	}
	keyHandler, err := handlers.NewAPIKeyHandler(deps.APIKeys)
	if err != nil {
		return nil, err
	}
	userHandler, err := handlers.NewUserHandler(deps.Users)
	if err != nil {
		return nil, err
	}

	requireAuth := middleware.RequireAuth(deps.Authn, deps.Cookie)
	requireSession := middleware.RequireSession(deps.Authn, deps.Cookie)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
	}

	// Authenticated auth routes (either credential)
	authed := r.Group("/api", requireAuth)
	{
		authed.GET("/auth/me", authHandler.Me)
		authed.POST("/auth/logout", authHandler.Logout)
		authed.POST("/auth/logout_all", authHandler.LogoutAll)

		sessions := authed.Group("/sessions")
		{
			sessions.GET("", sessionHandler.List)
			sessions.DELETE("", sessionHandler.RevokeAll)
			sessions.DELETE("/:prefix", sessionHandler.Revoke)
		}

		users := authed.Group("/users", middleware.RequireRole(iauth.RoleAdmin))
		{
			users.GET("", userHandler.List)
			users.GET("/:id", userHandler.Get)
			users.POST("", userHandler.Create)
			users.PATCH("/:id", userHandler.Update)
			users.POST("/:id/activate", userHandler.SetActive(true))
			users.POST("/:id/deactivate", userHandler.SetActive(false))
			users.DELETE("/:id", userHandler.Delete)
		}
	}

	// Key management is session-only: a key must not mint or revoke keys.
	keys := r.Group("/api/keys", requireSession)
	{
		keys.POST("", keyHandler.Create)
		keys.GET("", keyHandler.List)
		keys.DELETE("", keyHandler.DeleteAll)
		keys.DELETE("/:id", keyHandler.Delete)
	}

	return r, nil
}
