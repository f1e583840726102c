// Package httpapi exposes the session engine over HTTP: REST-style RPCs
// plus a websocket change feed per session.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/errs"
	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/service"
)

// Server hosts the HTTP API.
type Server struct {
	echo    *echo.Echo
	log     *zap.Logger
	signKey []byte
	metrics *apiMetrics

	sessions  *service.SessionService
	rotation  *service.RotationService
	intrusion *service.IntrusionResponder
	lifecycle *service.LifecycleManager
	keys      service.KeyProvider
	sched     *service.SchedulerSet
	hub       *feed.Hub
}

// ServerConfig wires the Server.
type ServerConfig struct {
	SignKey   []byte
	Sessions  *service.SessionService
	Rotation  *service.RotationService
	Intrusion *service.IntrusionResponder
	Lifecycle *service.LifecycleManager
	Keys      service.KeyProvider
	Sched     *service.SchedulerSet
	Hub       *feed.Hub
	Registry  prometheus.Registerer
	Gatherer  prometheus.Gatherer
	Log       *zap.Logger
}

// NewServer builds the echo app with middleware and routes attached.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	s := &Server{
		log:       cfg.Log,
		signKey:   cfg.SignKey,
		metrics:   newAPIMetrics(cfg.Registry),
		sessions:  cfg.Sessions,
		rotation:  cfg.Rotation,
		intrusion: cfg.Intrusion,
		lifecycle: cfg.Lifecycle,
		keys:      cfg.Keys,
		sched:     cfg.Sched,
		hub:       cfg.Hub,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.POST("/v1/token", s.handleToken)

	v1 := e.Group("/v1", s.requireBearer)
	v1.GET("/keygen", s.handleKeygen)
	v1.POST("/sessions", s.handleCreateSession)
	v1.POST("/sessions/join", s.handleJoinSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.GET("/sessions/:id/messages", s.handleListMessages)
	v1.POST("/sessions/:id/messages", s.handleSendMessage)
	v1.POST("/sessions/:id/typing", s.handleTyping)
	v1.GET("/sessions/:id/feed", s.handleFeed)
	v1.POST("/messages/:id/read", s.handleMarkRead)
	v1.POST("/messages/:id/delivered", s.handleMarkDelivered)
	v1.DELETE("/messages/:id", s.handleDeleteMessage)
	v1.POST("/session-control", s.handleSessionControl)
	v1.POST("/intrusion-report", s.handleIntrusionReport)

	s.echo = e
	return s
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.log.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("took", time.Since(start)),
		)
		return nil
	}
}

type identityKey struct{}

// requireBearer authenticates the request and stashes the caller identity
// in the request context.
func (s *Server) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := c.Request().Header.Get(echo.HeaderAuthorization)
		// Browsers cannot set headers on websocket upgrades.
		if raw == "" {
			raw = "Bearer " + c.QueryParam("token")
		}
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) || len(raw) == len(prefix) {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		id, err := parseToken(s.signKey, strings.TrimPrefix(raw, prefix))
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		ctx := context.WithValue(c.Request().Context(), identityKey{}, id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func callerIdentity(c echo.Context) identity {
	id, _ := c.Request().Context().Value(identityKey{}).(identity)
	return id
}

func (s *Server) countJoinDenied(err error) {
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		s.metrics.joinsDenied.WithLabelValues("rate_limited").Inc()
	case errors.Is(err, errs.ErrNotFound):
		s.metrics.joinsDenied.WithLabelValues("unknown_key").Inc()
	case errors.Is(err, errs.ErrUnauthorized):
		s.metrics.joinsDenied.WithLabelValues("policy").Inc()
	default:
		s.metrics.joinsDenied.WithLabelValues("error").Inc()
	}
}

// toHTTPError maps service sentinels onto HTTP statuses.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case errors.Is(err, errs.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, errs.ErrSessionInactive):
		return echo.NewHTTPError(http.StatusConflict, "session is not active")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
