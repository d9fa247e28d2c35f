package viewer

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/jobshed/jobshed/internal/health"
	"github.com/jobshed/jobshed/internal/infrastructure/sqlite"
	"github.com/jobshed/jobshed/internal/metrics"
)

// NewRouter wires the viewer's read-only HTTP surface.
func NewRouter(logger *slog.Logger, repo *sqlite.JobRepository, checker *health.Checker) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(sloggin.New(logger))
	r.Use(metricsMiddleware())

	r.GET("/stats", func(c *gin.Context) {
		snap, err := Collect(c.Request.Context(), repo)
		if err != nil {
			logger.Error("collect stats", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"counts": snap.Counts, "ready": snap.Ready})
	})

	r.GET("/jobs/running", func(c *gin.Context) {
		jobs, err := repo.RunningJobs(c.Request.Context())
		if err != nil {
			logger.Error("list running jobs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, jobs)
	})

	r.GET("/jobs/recent", func(c *gin.Context) {
		limit := recentLimit
		if s := c.Query("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		jobs, err := repo.RecentFinished(c.Request.Context(), limit)
		if err != nil {
			logger.Error("list recent jobs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, jobs)
	})

	r.GET("/healthz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})

	return r
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
	}
}
