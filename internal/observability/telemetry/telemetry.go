// Package telemetry forwards enhanced errors to Sentry.
package telemetry

import (
	"fmt"
	"maps"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
)

const flushTimeout = 2 * time.Second

// Reporter sends errors to a Sentry hub.
type Reporter struct {
	hub *sentry.Hub
	log logger.Logger
}

// New creates a reporter from settings. It returns nil when no DSN is
// configured; a nil Reporter is a no-op.
func New(cfg conf.TelemetrySettings, release string, log logger.Logger) (*Reporter, error) {
	if cfg.SentryDSN == "" {
		return nil, nil
	}
	return NewWithOptions(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     release,
	}, log)
}

// NewWithOptions creates a reporter from raw client options.
func NewWithOptions(opts sentry.ClientOptions, log logger.Logger) (*Reporter, error) {
	if log == nil {
		log = logger.NewNop()
	}
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("telemetry: init sentry client: %w", err)
	}
	return &Reporter{
		hub: sentry.NewHub(client, sentry.NewScope()),
		log: log.Module("telemetry"),
	}, nil
}

// Reportable reports whether errors of category c are worth sending.
// Caller mistakes and expected misses are not.
func Reportable(c errors.Category) bool {
	switch c {
	case errors.CategoryValidation, errors.CategoryNotFound, errors.CategoryLimit:
		return false
	default:
		return true
	}
}

// Report captures ee with its component, category and context.
func (r *Reporter) Report(ee *errors.EnhancedError) {
	if r == nil || ee == nil || !Reportable(ee.GetCategory()) {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.GetCategory()))
		if ctx := ee.GetContext(); len(ctx) > 0 {
			scope.SetContext("error", sentry.Context(maps.Clone(ctx)))
		}
		r.hub.CaptureException(ee)
	})
}

// Install makes r the process-wide error reporter.
func (r *Reporter) Install() {
	if r == nil {
		return
	}
	errors.SetReporter(r.Report)
}

// Close uninstalls the reporter and flushes pending events.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	errors.SetReporter(nil)
	if !r.hub.Flush(flushTimeout) {
		r.log.Warn("telemetry flush timed out", logger.Duration("timeout", flushTimeout))
	}
}
