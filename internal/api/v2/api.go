// Package api implements the /api/v2 admin and page-facing endpoints of the
// offline worker.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tphakala/folio/internal/chat"
	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/observability/metrics"
	"github.com/tphakala/folio/internal/offline"
	"github.com/tphakala/folio/internal/pwa"
	"github.com/tphakala/folio/internal/signals"
)

// Route prefixes.
const (
	PathPrefix = "/api/v2"
	ChatPath   = "/api/chat"
)

// ScriptSource renders the worker script currently configured.
type ScriptSource func() (offline.Script, error)

// Deps are the collaborators the controller serves. Registration, Toggle,
// Storage and Chat may be nil when the feature is disabled.
type Deps struct {
	Registration *offline.Registration
	Toggle       *offline.Toggle
	Storage      repository.CacheStorage
	Hub          *signals.Hub
	Publisher    signals.Publisher
	Prompts      *pwa.PromptStore
	Chat         *chat.Client
	Script       ScriptSource
	Metrics      *metrics.Metrics
	Logger       logger.Logger

	// ChatRate limits chat requests per client IP per second. Zero uses the
	// default.
	ChatRate rate.Limit
}

// Controller holds the v2 route handlers.
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	reg       *offline.Registration
	toggle    *offline.Toggle
	storage   repository.CacheStorage
	hub       *signals.Hub
	publisher signals.Publisher
	prompts   *pwa.PromptStore
	chat      *chat.Client
	script    ScriptSource
	metrics   *metrics.Metrics
	logger    logger.Logger

	chatRate rate.Limit

	// ctx ends streaming connections on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// Rate limits.
const (
	defaultChatRate   = rate.Limit(0.5)
	chatBurst         = 3
	streamRate        = rate.Limit(1)
	streamBurst       = 10
	rateLimiterExpiry = 3 * time.Minute
)

// New creates the controller and registers its routes on e.
func New(e *echo.Echo, deps Deps) *Controller {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = signals.Discard
	}
	prompts := deps.Prompts
	if prompts == nil {
		prompts = pwa.NewPromptStore()
	}
	hub := deps.Hub
	if hub == nil {
		hub = signals.NewHub()
	}
	chatRate := deps.ChatRate
	if chatRate == 0 {
		chatRate = defaultChatRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		Echo:      e,
		Group:     e.Group(PathPrefix),
		reg:       deps.Registration,
		toggle:    deps.Toggle,
		storage:   deps.Storage,
		hub:       hub,
		publisher: pub,
		prompts:   prompts,
		chat:      deps.Chat,
		script:    deps.Script,
		metrics:   deps.Metrics,
		logger:    log.Module("api"),
		chatRate:  chatRate,
		ctx:       ctx,
		cancel:    cancel,
	}

	c.initWorkerRoutes()
	c.initSignalRoutes()
	c.initPWARoutes()
	c.initChatRoutes()
	return c
}

// Shutdown ends open signal streams.
func (c *Controller) Shutdown() {
	c.cancel()
}

// HandleError logs err and writes {"error": message}.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	fields := []logger.Field{
		logger.String("path", ctx.Request().URL.Path),
		logger.Int("status", code),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		c.logger.Error(message, fields...)
	} else {
		c.logger.Debug(message, fields...)
	}
	return ctx.JSON(code, map[string]string{"error": message})
}

// rateLimiter limits requests per client IP.
func rateLimiter(r rate.Limit, burst int, message string) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      r,
				Burst:     burst,
				ExpiresIn: rateLimiterExpiry,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusForbidden, map[string]string{"error": "Unable to identify client"})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{"error": message})
		},
	})
}

// clientIDFrom returns the page's client id from the query or JSON body field.
func clientIDFrom(ctx echo.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return ctx.QueryParam("client_id")
}
