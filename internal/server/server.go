// Package server exposes the query engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/croquery/croquery/config"
	"github.com/croquery/croquery/internal/backends"
	"github.com/croquery/croquery/internal/engine"
	"github.com/croquery/croquery/internal/report"
	"github.com/croquery/croquery/internal/session"
	"github.com/croquery/croquery/internal/session/inmemory"
	sessionredis "github.com/croquery/croquery/internal/session/redis"
	"github.com/croquery/croquery/internal/telemetry"
	"github.com/croquery/croquery/internal/tools"
)

// QueryService is the engine surface the HTTP layer depends on.
type QueryService interface {
	Query(ctx context.Context, question string, maxIterations int, sessionID string) (engine.Response, error)
	ClearSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]string, error)
}

type queryRequest struct {
	Question      string `json:"question"`
	SessionID     string `json:"session_id"`
	MaxIterations int    `json:"max_iterations"`
}

// Handlers binds the query engine to routes.
type Handlers struct {
	svc    QueryService
	logger *log.Logger
}

func NewHandlers(svc QueryService) *Handlers {
	return &Handlers{
		svc:    svc,
		logger: log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

func (h *Handlers) Register(e *echo.Echo) {
	api := e.Group("/api")
	api.POST("/query", h.handleQuery)
	api.GET("/sessions", h.handleListSessions)
	api.DELETE("/sessions/:id", h.handleClearSession)
}

func (h *Handlers) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	resp, err := h.svc.Query(c.Request().Context(), req.Question, req.MaxIterations, req.SessionID)
	if err != nil {
		var nre *engine.NoResultError
		if errors.As(err, &nre) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error":      nre.Error(),
				"no_results": true,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) handleListSessions(c echo.Context) error {
	ids, err := h.svc.ListSessions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": ids})
}

func (h *Handlers) handleClearSession(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if err := h.svc.ClearSession(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cleared": id})
}

// NewEcho builds the echo instance with the shared middleware, error
// handling and operational endpoints.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// Run wires the full dependency graph from configuration and serves until
// the listener fails.
func Run(cfg *config.Config) error {
	eng, closers, err := BuildEngine(cfg)
	if err != nil {
		return err
	}
	defer closers.Close()

	e := NewEcho()
	NewHandlers(eng).Register(e)
	return e.Start(cfg.Server.Address)
}

// Closers aggregates backend shutdown hooks.
type Closers []func() error

func (c Closers) Close() {
	for _, fn := range c {
		_ = fn()
	}
}

// BuildEngine constructs the engine and its backends from configuration.
// The returned closers release the backend connections.
func BuildEngine(cfg *config.Config) (*engine.Engine, Closers, error) {
	var closers Closers

	llm, err := engine.NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("llm provider: %w", err)
	}

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, nil, fmt.Errorf("postgres config: %w", err)
	}
	pg, err := backends.NewPostgresBackend(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	closers = append(closers, pg.Close)

	graph, err := backends.NewNeo4jBackend(context.Background(),
		cfg.Storage.Neo4j.URI, cfg.Storage.Neo4j.User, cfg.Storage.Neo4j.Password, cfg.Storage.Neo4j.Database)
	if err != nil {
		closers.Close()
		return nil, nil, fmt.Errorf("neo4j: %w", err)
	}
	closers = append(closers, func() error { return graph.Close(context.Background()) })

	vector, err := backends.NewWeaviateBackend(cfg.Storage.Weaviate.Scheme, cfg.Storage.Weaviate.Host, cfg.Storage.Weaviate.APIKey)
	if err != nil {
		closers.Close()
		return nil, nil, fmt.Errorf("weaviate: %w", err)
	}

	sessions, err := buildSessionStore(cfg)
	if err != nil {
		closers.Close()
		return nil, nil, err
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	repairer := engine.NewQueryRepairer(cfg, llm)
	gateway := tools.NewGateway(pg, graph, vector, repairer, cfg.Engine.CacheCapacity, cfg.Engine.CacheTTL, metrics)
	reporter := report.NewSynthesizer(cfg, llm)

	eng := engine.New(cfg, llm, gateway, sessions, pg, metrics, reporter)
	return eng, closers, nil
}

func buildSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Backend {
	case "", "inmemory":
		return inmemory.NewStore(cfg.Session.MaxTurns), nil
	case "redis":
		store, err := sessionredis.NewStore(cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password,
			cfg.Storage.Redis.DB, cfg.Session.MaxTurns, cfg.Session.TTL)
		if err != nil {
			return nil, fmt.Errorf("redis sessions: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
}
