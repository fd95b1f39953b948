package main

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/204313508/iflow2web/api/handlers"
	"github.com/204313508/iflow2web/internal/models"
	"github.com/204313508/iflow2web/internal/session"
)

type routerDeps struct {
	registry   *session.Registry
	pool       handlers.HandleCloser
	ws         http.Handler
	catalog    *models.Catalog
	workingDir func(string) string
	staticDir  string
	logger     zerolog.Logger
}

func newRouter(d routerDeps) *gin.Engine {
	if d.logger.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(d.logger))
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "iflow2web",
		})
	})

	api := r.Group("/api")
	{
		handlers.NewSessionHandler(d.registry, d.pool, d.workingDir, d.logger).RegisterRoutes(api)
		handlers.NewModelsHandler(d.catalog).RegisterRoutes(api)
	}

	handlers.NewWebSocketHandler(d.ws).RegisterRoutes(r)

	if info, err := os.Stat(d.staticDir); err == nil && info.IsDir() {
		r.Static("/static", d.staticDir)
		index := filepath.Join(d.staticDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			r.GET("/", func(c *gin.Context) {
				c.File(index)
			})
		}
	} else {
		d.logger.Warn().Str("dir", d.staticDir).Msg("static directory not found, frontend disabled")
	}

	return r
}

// requestLogger logs one line per request.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// corsMiddleware returns a permissive CORS middleware.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
