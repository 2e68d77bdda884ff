// Package server wires the HTTP API: auth, media management, search and
// operational endpoints, all under /api/v1 behind bearer auth except the
// token and ping routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/kindredlabs/kindred/internal/auth"
	"github.com/kindredlabs/kindred/internal/embedding"
	"github.com/kindredlabs/kindred/internal/gmid"
	"github.com/kindredlabs/kindred/internal/metrics"
	"github.com/kindredlabs/kindred/internal/pipeline"
	"github.com/kindredlabs/kindred/internal/registry"
	"github.com/kindredlabs/kindred/internal/search"
	"github.com/kindredlabs/kindred/internal/store"
	"github.com/kindredlabs/kindred/internal/thumbnail"
	"github.com/kindredlabs/kindred/internal/vectorindex"
)

// Ingestor is the slice of the pipeline the server needs.
type Ingestor interface {
	Enqueue(g string) error
	ReindexDescription(ctx context.Context, g string) error
	QueueDepth() int
	Saturated() bool
}

// Searcher runs the three retrieval modes.
type Searcher interface {
	ByText(ctx context.Context, query string, limit int, mediaType string) (*search.Response, error)
	ByImage(ctx context.Context, preview []byte, limit int, mediaType string) (*search.Response, error)
	Similar(ctx context.Context, g string, limit int, mediaType string) (*search.Response, error)
}

// IndexAdmin is the administrative slice of the vector index.
type IndexAdmin interface {
	Delete(ctx context.Context, g string) error
	Stats(ctx context.Context) (vectorindex.Stats, error)
	Health(ctx context.Context) error
}

// Previewer renders the in-memory preview for image query uploads.
type Previewer interface {
	Photo(ctx context.Context, src []byte) (thumbnail.Render, error)
}

// Embedder is the provider slice the server needs for health and limiter
// introspection.
type Embedder interface {
	Healthy(ctx context.Context) error
	RateLimitStatus() map[string]embedding.LimiterStatus
}

// Config tunes the HTTP surface.
type Config struct {
	Host            string
	Port            int
	MaxFileSize     int64
	ShutdownTimeout time.Duration
}

// Server hosts the API.
type Server struct {
	echo     *echo.Echo
	cfg      Config
	logger   *zap.Logger
	auth     *auth.Service
	reg      *registry.Registry
	files    *store.Store
	preview  Previewer
	ingest   Ingestor
	engine   Searcher
	index    IndexAdmin
	embedder Embedder
}

// New assembles the server and its routes.
func New(cfg Config, logger *zap.Logger, authSvc *auth.Service, reg *registry.Registry,
	files *store.Store, preview Previewer, ingest Ingestor, engine Searcher,
	index IndexAdmin, embedder Embedder) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		cfg:      cfg,
		logger:   logger.Named("http"),
		auth:     authSvc,
		reg:      reg,
		files:    files,
		preview:  preview,
		ingest:   ingest,
		engine:   engine,
		index:    index,
		embedder: embedder,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/ping", s.handlePing)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api/v1")
	api.POST("/auth/token", s.handleToken)

	protected := api.Group("", s.auth.Middleware())
	protected.POST("/media/upload", s.handleUpload)
	protected.GET("/media/list", s.handleList)
	protected.GET("/media/:gmid", s.handleDetail)
	protected.DELETE("/media/:gmid", s.handleDelete)
	protected.PUT("/media/:gmid/description", s.handleUpdateDescription)

	protected.POST("/search/text", s.handleSearchText)
	protected.POST("/search/by-image", s.handleSearchByImage)
	protected.POST("/search/similar", s.handleSearchSimilar)
	protected.POST("/search/similar-by-file", s.handleSearchSimilarByFile)
	protected.GET("/search/stats", s.handleSearchStats)
	protected.GET("/search/rate-limit-status", s.handleRateLimitStatus)
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				s.logger.Warn("request", fields...)
				return nil
			}
			s.logger.Info("request", fields...)
			return nil
		},
	})
}

func (s *Server) handlePing(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "pong"})
}

// handleHealth reports the reachability of each collaborator. Degraded
// components flip the status to 503 so orchestrators can act on it.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{}
	healthy := true
	check := func(name string, err error) {
		if err != nil {
			components[name] = "unreachable: " + err.Error()
			healthy = false
			return
		}
		components[name] = "ok"
	}

	check("registry", s.reg.Ping(ctx))
	check("vector_index", s.index.Health(ctx))
	check("embedding_provider", s.embedder.Healthy(ctx))

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	return c.JSON(status, map[string]any{
		"status":     state,
		"components": components,
	})
}

// apiError maps the domain failure taxonomy onto HTTP statuses.
func apiError(c echo.Context, err error) error {
	var status int
	var code string

	switch {
	case errors.Is(err, gmid.ErrInvalid), errors.Is(err, search.ErrEmptyQuery):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, vectorindex.ErrPointNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, search.ErrNotIndexed):
		status, code = http.StatusConflict, "not_indexed"
	case errors.Is(err, store.ErrUnsupportedType):
		status, code = http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, pipeline.ErrQueueFull):
		c.Response().Header().Set("Retry-After", "5")
		status, code = http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, embedding.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, embedding.ErrTransient),
		errors.Is(err, embedding.ErrTimeout),
		vectorindex.IsTransientError(err):
		status, code = http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, embedding.ErrRejected):
		status, code = http.StatusUnprocessableEntity, "embedding_rejected"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
	}

	return c.JSON(status, map[string]any{
		"success": false,
		"code":    code,
		"detail":  err.Error(),
	})
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
