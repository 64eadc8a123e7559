// Package http serves the job control API.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"harvest/internal/config"
	"harvest/internal/health"
	"harvest/internal/logger"
	"harvest/internal/metrics"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

type Option func(*serverDeps)

type serverDeps struct {
	db   Pinger
	rdb  *redis.Client
	sink *health.MemorySink
}

// WithDatabase enables the database check of /healthz?deep=true.
func WithDatabase(db Pinger) Option { return func(d *serverDeps) { d.db = db } }

// WithRedis rate limits through Redis and includes it in deep health.
func WithRedis(rdb *redis.Client) Option { return func(d *serverDeps) { d.rdb = rdb } }

// WithHealthSink serves /v1/health from the reporter's latest snapshot.
func WithHealthSink(m *health.MemorySink) Option { return func(d *serverDeps) { d.sink = m } }

func NewServer(cfg *config.Config, ctrl Controller, log *slog.Logger, opts ...Option) *Server {
	var deps serverDeps
	for _, opt := range opts {
		opt(&deps)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("controller", ctrl)
		c.Locals("healthSink", deps.sink)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)
		c.SetUserContext(logger.WithRequestID(c.UserContext(), reqID))

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Route().Path

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if log != nil {
			log.Info("request",
				"request_id", reqID,
				"method", method,
				"path", c.Path(),
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
		return err
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "disabled"
		if deps.db != nil {
			dbStatus = "ok"
			if err := deps.db.Ping(ctx); err != nil {
				dbStatus = "error"
			}
		}

		redisStatus := "disabled"
		if deps.rdb != nil {
			if err := deps.rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" {
			status = "error"
			c.Status(fiber.StatusServiceUnavailable)
		}
		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	rateMw := localRateLimitMiddleware(cfg)
	if deps.rdb != nil {
		rateMw = rateLimitMiddleware(cfg, deps.rdb)
	}

	v1 := app.Group("/v1", authMiddleware(cfg), rateMw)
	registerV1Routes(v1)

	return &Server{
		app:    app,
		config: cfg,
		logger: log,
	}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func registerV1Routes(group fiber.Router) {
	group.Get("/health", healthHandler)
	group.Post("/jobs", startJobHandler)
	group.Get("/jobs/:id", jobStatusHandler)
	group.Get("/jobs/:id/health", jobHealthHandler)
	group.Post("/jobs/:id/pause", pauseJobHandler)
	group.Post("/jobs/:id/resume", resumeJobHandler)
	group.Post("/jobs/:id/stop", stopJobHandler)
}
