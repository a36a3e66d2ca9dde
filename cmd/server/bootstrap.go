package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/statlerhq/backplane/internal/api"
	"github.com/statlerhq/backplane/internal/app"
	"github.com/statlerhq/backplane/internal/app/maintenance"
	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/cache"
	"github.com/statlerhq/backplane/internal/database"
	"github.com/statlerhq/backplane/internal/middleware"
	"github.com/statlerhq/backplane/internal/services"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Store    cache.Store
	Sessions *iauth.SessionManager
	APIKeys  *iauth.APIKeyService
	Users    *services.UserService
	Cleaner  *maintenance.Cleaner
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, the credential store, the
// services, and the HTTP router. The credential store is mandatory: the
// session core lives there and the process refuses to start without it.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = database.Open(database.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Name:     cfg.Database.Name,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Options:  cfg.Database.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.AutoMigrateAndSeed(stack.DB); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	stack.Store, err = cache.NewRedisStore(cache.RedisConfig{
		Address:  cfg.Redis.Address,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
		Timeout:  cfg.Redis.Timeout,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("connect credential store: %w", err)
	}
	log.Info("credential store connected", zap.String("addr", cfg.Redis.Address))

	stack.Sessions, err = iauth.NewSessionManager(stack.Store, iauth.SessionConfig{
		TTL:              cfg.Auth.Session.TTL,
		SlidingThreshold: cfg.Auth.Session.SlidingThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise session manager: %w", err)
	}

	stack.APIKeys, err = iauth.NewAPIKeyService(stack.DB, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise api key service: %w", err)
	}

	stack.Users, err = services.NewUserService(stack.DB, stack.Sessions, stack.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	authn, err := iauth.NewAuthenticator(stack.Sessions, stack.APIKeys, stack.Users)
	if err != nil {
		return nil, fmt.Errorf("initialise authenticator: %w", err)
	}

	stack.Cleaner = maintenance.NewCleaner(stack.APIKeys,
		maintenance.WithKeySchedule(cfg.Monitoring.KeyCleanupSchedule))
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	var rateStore middleware.RateStore
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis {
			rateStore = middleware.NewRedisRateStore(stack.Store)
		} else {
			rateStore = middleware.NewMemoryRateStore()
		}
	}

	stack.Router, err = api.NewRouter(api.Deps{
		Store:      stack.Store,
		Sessions:   stack.Sessions,
		APIKeys:    stack.APIKeys,
		Users:      stack.Users,
		Authn:      authn,
		Cookie:     sessionCookieConfig(cfg),
		RateStore:  rateStore,
		RateLimit:  cfg.RateLimit.MaxRequests,
		RateWindow: cfg.RateLimit.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown releases resources in reverse dependency order.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
		s.Cleaner.RunOnce(ctx)
	}

	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn("credential store close failed", zap.Error(err))
		}
	}

	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				log.Warn("database close failed", zap.Error(err))
			}
		}
	}
}

func sessionCookieConfig(cfg *app.Config) middleware.SessionCookieConfig {
	cookie := middleware.DefaultSessionCookie()

	if cfg.Auth.Cookie.Name != "" {
		cookie.Name = cfg.Auth.Cookie.Name
	}
	cookie.Domain = cfg.Auth.Cookie.Domain
	cookie.Secure = cfg.Auth.Cookie.Secure
	if cfg.Auth.Session.TTL > 0 {
		cookie.MaxAge = int(cfg.Auth.Session.TTL.Seconds())
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Auth.Cookie.SameSite)) {
	case "strict":
		cookie.SameSite = http.SameSiteStrictMode
	case "none":
		cookie.SameSite = http.SameSiteNoneMode
	default:
		cookie.SameSite = http.SameSiteLaxMode
	}

	return cookie
}
