// Package server provides the HTTP API for grimoired: spell CRUD,
// match ranking, patch adaptation, and the GitHub webhook endpoint.
// The engine itself is transport-agnostic; this layer only binds
// requests, scopes store queries, and maps tagged results onto status
// codes.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/grimoire/internal/adapt"
	"github.com/fyrsmithlabs/grimoire/internal/config"
	"github.com/fyrsmithlabs/grimoire/internal/logging"
	"github.com/fyrsmithlabs/grimoire/internal/match"
	"github.com/fyrsmithlabs/grimoire/internal/spell"
	"github.com/fyrsmithlabs/grimoire/internal/webhook"
)

// Server provides HTTP endpoints for grimoired.
type Server struct {
	echo      *echo.Echo
	store     *spell.Store
	ranker    *match.Ranker
	engine    *adapt.Engine
	processor *webhook.Processor
	logger    *logging.Logger
	config    config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.ServerConfig, store *spell.Store, ranker *match.Ranker, engine *adapt.Engine, processor *webhook.Processor, logger *logging.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if ranker == nil {
		return nil, fmt.Errorf("ranker cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("webhook processor cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger.Zap()).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// RequestID middleware has already stamped the response
			// header; carry the ID in the request context so handler
			// logs correlate with it.
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		store:     store,
		ranker:    ranker,
		engine:    engine,
		processor: processor,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/webhook", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/match", s.handleMatch)

	v1.POST("/spells", s.handleCreateSpell)
	v1.GET("/spells", s.handleListSpells)
	v1.GET("/spells/:id", s.handleGetSpell)
	v1.PUT("/spells/:id", s.handleUpdateSpell)
	v1.DELETE("/spells/:id", s.handleDeleteSpell)
	v1.POST("/spells/:id/apply", s.handleApplySpell)
	v1.GET("/spells/:id/applications", s.handleListApplications)

	v1.POST("/repos", s.handleUpsertRepo)
	v1.GET("/webhooks", s.handleListWebhookLogs)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
