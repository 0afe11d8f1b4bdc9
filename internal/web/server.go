// Package web exposes the operational HTTP surface: health and Prometheus
// metrics. It is not part of the conversational product.
package web

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"tutorbot/internal/config"
	"tutorbot/internal/services"
)

// Server is the small HTTP app next to the bot.
type Server struct {
	app       *fiber.App
	cfg       *config.Store
	analytics *services.AnalyticsService
	startedAt time.Time
}

// NewServer builds the Fiber app with metrics and health routes.
func NewServer(cfg *config.Store, analytics *services.AnalyticsService) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "tutorbot",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	prometheus := fiberprometheus.New("tutorbot")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	s := &Server{
		app:       app,
		cfg:       cfg,
		analytics: analytics,
		startedAt: time.Now(),
	}

	app.Get("/health", s.health)
	return s
}

func (s *Server) health(c *fiber.Ctx) error {
	knownUsers := 0
	if ids, err := s.analytics.UniqueUserIDs(); err == nil {
		knownUsers = len(ids)
	}
	return c.JSON(fiber.Map{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"provider":    s.cfg.GetString(config.KeyAIProvider, config.ProviderOllama),
		"known_users": knownUsers,
	})
}

// Listen serves on port until Shutdown.
func (s *Server) Listen(port int) error {
	return s.app.Listen(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown() {
	if err := s.app.Shutdown(); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
}
