package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/outreachly/campd/internal/config"
	"github.com/outreachly/campd/internal/dispatch"
	"github.com/outreachly/campd/internal/http/middleware"
	"github.com/outreachly/campd/internal/metrics"
	"github.com/outreachly/campd/internal/repository"
)

type Server struct{ e *echo.Echo }

// NewServer wires the dispatch API: run control endpoints backed by the
// manager, attempt reports backed by ClickHouse, operator auth + per-key
// rate limiting in front.
func NewServer(cfg config.Config, mgr *dispatch.Manager, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	chAttemptsRepo := repository.NewCHAttemptsRepository(clickhouseDB)

	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:key:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/campaigns/:id/dispatch", startRunHandler(mgr))
	v1.POST("/runs/:id/pause", runActionHandler(mgr, func(m *dispatch.Manager, id string) error { return m.Pause(id) }))
	v1.POST("/runs/:id/resume", runActionHandler(mgr, func(m *dispatch.Manager, id string) error { return m.Resume(id) }))
	v1.POST("/runs/:id/cancel", runActionHandler(mgr, func(m *dispatch.Manager, id string) error { return m.Cancel(id) }))
	v1.GET("/runs/:id/progress", progressHandler(mgr))
	v1.GET("/reports/attempts", listAttemptsHandler(chAttemptsRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error            { return s.e.Start(addr) }
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
