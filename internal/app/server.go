package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"retrykit/internal/platform/pg"
)

const requestIDHeader = "X-Request-ID"

// Handler returns the HTTP routes:
//
//	GET /healthz
//	GET /v1/policy?count=N&forever=true
func (a *App) Handler() http.Handler {
	if a.cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(a.log))

	r.GET("/healthz", a.healthz)
	v1 := r.Group("/v1")
	v1.GET("/policy", a.policy)
	return r
}

func (a *App) healthz(c *gin.Context) {
	configured, err := a.dbStatus()
	if !configured {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "db": pg.Stats(a.pool)})
}

func (a *App) policy(c *gin.Context) {
	count := 0
	if s := c.Query("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > MaxPlanCount {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be an integer between 0 and " + strconv.Itoa(MaxPlanCount)})
			return
		}
		count = n
	}
	forever := false
	if s := c.Query("forever"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "forever must be a boolean"})
			return
		}
		forever = v
	}
	c.JSON(http.StatusOK, NewPlan(a.opts, forever, count))
}

// requestID keeps a valid incoming X-Request-ID or assigns a new UUID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", c.GetString("request_id")),
		)
	}
}
