// Package httpapi exposes the daemon's JWT-authenticated HTTP surface.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/logging"
	"github.com/recallhq/recalld/internal/memory"
	"github.com/recallhq/recalld/internal/orchestrator"
	"github.com/recallhq/recalld/internal/threads"
)

// Responder runs one chat turn.
type Responder interface {
	Respond(ctx context.Context, owner, thread, prompt string) (*orchestrator.Reply, error)
}

// ReflectionBuilder prepares grounded prompts for questions over the
// owner's whole history.
type ReflectionBuilder interface {
	BuildReflection(ctx context.Context, owner, question string) (prompt string, found bool, err error)
}

// Completer runs a tool-free model call.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// QueryEmbedder vectorizes search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Deps are the components the API serves.
type Deps struct {
	Responder Responder
	Threads   *threads.Manager
	Store     *memory.Store
	Reflector ReflectionBuilder
	Completer Completer
	Embedder  QueryEmbedder
}

// Server is the HTTP front of the daemon.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	port   int
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.ServerConfig, jwtSecret config.Secret, deps Deps, logger *logging.Logger) (*Server, error) {
	if !jwtSecret.IsSet() {
		return nil, errors.New("httpapi: jwt secret is required")
	}
	if deps.Responder == nil || deps.Threads == nil || deps.Store == nil {
		return nil, errors.New("httpapi: responder, threads, and store are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogging(logger))
	e.Use(newHTTPMetrics(logger).middleware())

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		port:   cfg.Port,
	}
	s.registerRoutes(jwtSecret)
	return s, nil
}

func (s *Server) registerRoutes(jwtSecret config.Secret) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api", jwtAuth([]byte(jwtSecret.Value()), s.logger))
	api.POST("/ai/query", s.handleQuery)
	api.GET("/threads", s.handleListThreads)
	api.GET("/history", s.handleHistory)
	api.DELETE("/threads/:threadId", s.handleDeleteThread)
	api.POST("/search", s.handleSearch)
	api.POST("/memory/ask", s.handleAskMemory)
}

// requestLogging propagates the request id into the context and logs one
// line per request.
func requestLogging(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree; used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
