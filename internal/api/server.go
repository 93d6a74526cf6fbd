// Package api is the HTTP front of folio: the worker script, the admin and
// page-facing API, metrics, and every other request routed through the
// offline worker.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	apiv2 "github.com/tphakala/folio/internal/api/v2"
	"github.com/tphakala/folio/internal/chat"
	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/observability/metrics"
	"github.com/tphakala/folio/internal/offline"
	"github.com/tphakala/folio/internal/pwa"
	"github.com/tphakala/folio/internal/signals"
)

// Config wires the server's collaborators.
type Config struct {
	// Registration handles fetches. When nil every request goes to Network.
	Registration *offline.Registration
	Network      offline.Network
	Toggle       *offline.Toggle
	Storage      repository.CacheStorage
	Hub          *signals.Hub
	Publisher    signals.Publisher
	Prompts      *pwa.PromptStore
	Chat         *chat.Client
	Script       apiv2.ScriptSource
	Metrics      *metrics.Metrics
	Logger       logger.Logger
	Debug        bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the front HTTP server.
type Server struct {
	echo       *echo.Echo
	controller *apiv2.Controller
	reg        *offline.Registration
	network    offline.Network
	script     apiv2.ScriptSource
	metrics    *metrics.Metrics
	log        logger.Logger
	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg *Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request",
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
				logger.String("ip", v.RemoteIP),
				logger.String("source", c.Response().Header().Get(offline.SourceHeader)))
			return nil
		},
	}))

	s := &Server{
		echo:    e,
		reg:     cfg.Registration,
		network: cfg.Network,
		script:  cfg.Script,
		metrics: cfg.Metrics,
		log:     log.Module("server"),
		httpServer: &http.Server{
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}

	e.GET("/sw.js", s.handleWorkerScript)
	e.GET("/metrics", echo.WrapHandler(cfg.Metrics.Handler()))

	s.controller = apiv2.New(e, apiv2.Deps{
		Registration: cfg.Registration,
		Toggle:       cfg.Toggle,
		Storage:      cfg.Storage,
		Hub:          cfg.Hub,
		Publisher:    cfg.Publisher,
		Prompts:      cfg.Prompts,
		Chat:         cfg.Chat,
		Script:       cfg.Script,
		Metrics:      cfg.Metrics,
		Logger:       log,
	})

	e.Any("/*", s.handleFetch)
	return s
}

// ServeHTTP lets the server be used as a handler, e.g. in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	s.log.Info("server listening", logger.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown ends signal streams and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.controller.Shutdown()
	return s.httpServer.Shutdown(ctx)
}
