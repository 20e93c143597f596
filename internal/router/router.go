package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/prepline/examcore/internal/config"
	"github.com/prepline/examcore/internal/handler"
	"github.com/prepline/examcore/internal/middleware"
	"github.com/prepline/examcore/internal/response"
	"github.com/prepline/examcore/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	WS      *handler.WSHandler
	Attempt *handler.AttemptHandler
	System  *handler.SystemHandler
}

// SetupRouter configures the Gin routes. limiter may be nil to disable rate limiting.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)

	// ─── Live sessions (WebSocket) ─────────────────────────────────────
	// The gateway authenticates after the upgrade so it can answer with a
	// close frame instead of an HTTP error.
	router.GET("/ws/v1/sessions", handlers.WS.Stream)

	// ─── REST (JWT, rate limited, compressed) ──────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireJWT(authService))
	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	api.Use(middleware.NoStore())
	api.Use(middleware.Brotli(cfg.CompressMinLength))
	{
		api.GET("/attempts", handlers.Attempt.ListAttempts)
		api.GET("/attempts/:id", handlers.Attempt.GetAttempt)
		api.GET("/sessions/active", handlers.Attempt.GetActiveSession)
	}

	return router
}
