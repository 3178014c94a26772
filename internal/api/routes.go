package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sciencelive/nanopub-viewer/internal/config"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
)

// LegacyPrefix is where the existing browser front-end expects the functions
const LegacyPrefix = "/.netlify/functions"

// SetupRoutes sets up the API routes
func SetupRoutes(handler *Handler, cfg *config.Config, clock schedule.Clock, log *zap.SugaredLogger) *gin.Engine {
	log = logger.OrNop(log)
	router := gin.New()

	// Middleware
	router.Use(RequestID())
	router.Use(Recovery(log))
	router.Use(CORS())
	router.Use(Logger(log))

	// Global middleware also wraps NoRoute, so preflights to any path are answered by CORS first
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "code": "NOT_FOUND"})
	})

	// Health check
	router.GET("/health", handler.HealthCheck)

	// One limiter across both prefixes, so switching prefix does not double the quota
	submitLimit := RateLimit(clock, cfg.SubmitRateLimit, cfg.SubmitBurst)

	for _, prefix := range []string{"/api/v1", LegacyPrefix} {
		group := router.Group(prefix)
		{
			group.POST("/process-nanopubs", submitLimit, handler.ProcessNanopubs)
			group.GET("/get-results", handler.GetResults)
			group.GET("/get-branch-results", handler.GetBranchResults)
			group.GET("/get-full-results", handler.GetFullResults)
			group.GET("/nanopub", handler.GetNanopub)

			// Diagnostics
			group.GET("/debug-env", handler.DebugEnv)
			group.POST("/test-github", handler.TestGitHub)
			group.GET("/test-logs", handler.TestLogs)
		}
	}

	return router
}
