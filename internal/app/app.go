// Package app assembles the folio server from its settings.
package app

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tphakala/folio/internal/api"
	"github.com/tphakala/folio/internal/chat"
	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/datastore"
	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/observability/metrics"
	"github.com/tphakala/folio/internal/observability/telemetry"
	"github.com/tphakala/folio/internal/offline"
	"github.com/tphakala/folio/internal/pwa"
	"github.com/tphakala/folio/internal/signals"
)

const (
	mqttConnectTimeout = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// App owns every long-lived component of a running server.
type App struct {
	settings *conf.Settings
	log      logger.Logger

	metrics  *metrics.Metrics
	reporter *telemetry.Reporter
	bus      *signals.Bus
	hub      *signals.Hub
	mqtt     *signals.MQTTSink
	storage  repository.CacheStorage
	toggle   *offline.Toggle
	reg      *offline.Registration
	server   *api.Server

	mu      sync.RWMutex
	offline conf.OfflineSettings
}

// New builds the server. Failures of optional collaborators (telemetry, the
// MQTT broker, cache storage, the first install) are logged and the server
// runs without them; only configuration errors are returned.
func New(ctx context.Context, settings *conf.Settings, release string, log logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}
	a := &App{
		settings: settings,
		log:      log.Module("app"),
		metrics:  metrics.New(),
		offline:  settings.Offline,
	}

	reporter, err := telemetry.New(settings.Telemetry, release, log)
	if err != nil {
		a.log.Warn("telemetry disabled", logger.Error(err))
	}
	a.reporter = reporter
	a.reporter.Install()

	toggle, err := a.buildNetwork(log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.toggle = toggle

	if err := a.buildSignals(ctx, log); err != nil {
		a.Close()
		return nil, err
	}

	if settings.Offline.Enabled {
		a.buildRegistration(ctx, log)
	} else {
		a.log.Info("offline cache disabled")
	}

	var chatClient *chat.Client
	if settings.Chat.Enabled {
		chatClient = chat.NewClient(settings.Chat, nil, log)
	}

	cfg := &api.Config{
		Registration: a.reg,
		Network:      toggle,
		Toggle:       toggle,
		Storage:      a.storage,
		Hub:          a.hub,
		Publisher:    a.bus,
		Prompts:      pwa.NewPromptStore(),
		Chat:         chatClient,
		Metrics:      a.metrics,
		Logger:       log,
		Debug:        settings.WebServer.Debug,
		ReadTimeout:  settings.WebServer.ReadTimeout.Std(),
		WriteTimeout: settings.WebServer.WriteTimeout.Std(),
	}
	if a.reg != nil {
		cfg.Script = a.Script
	}
	a.server = api.New(cfg)
	return a, nil
}

// buildNetwork wires the origin handler behind a switchable network.
func (a *App) buildNetwork(log logger.Logger) (*offline.Toggle, error) {
	s := a.settings
	var upstream *url.URL
	if s.Site.Upstream != "" {
		u, err := url.Parse(s.Site.Upstream)
		if err != nil {
			return nil, errors.New(err).Component("app").Category(errors.CategoryConfiguration).Build()
		}
		upstream = u
	}

	origin, err := api.NewOriginHandler(api.OriginConfig{
		Site:        pwa.Site{Name: s.Site.Name},
		OfflinePage: s.Offline.OfflinePage,
		Files:       api.SiteFS(s.Site.Root),
		Upstream:    upstream,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	client := offline.NewHTTPClient(http.DefaultTransport, s.Offline.FetchTimeout.Std())
	network := offline.NewHTTPNetwork(client, s.OriginURL(), &offline.HandlerTransport{Handler: origin})
	return offline.NewToggle(network), nil
}

// buildSignals starts the bus and attaches the page hub and external sinks.
func (a *App) buildSignals(ctx context.Context, log logger.Logger) error {
	s := a.settings
	a.bus = signals.NewBus()
	a.bus.OnPanic(func(recovered any) {
		a.log.Error("signal handler panicked", logger.Any("panic", recovered))
	})
	a.hub = signals.NewHub()
	a.hub.OnDrop(func(clientID string) {
		a.metrics.RecordSignalDropped()
		a.log.Debug("signal dropped for slow client", logger.String("client_id", clientID))
	})
	a.bus.Subscribe(a.hub.Handle)
	a.bus.Subscribe(func(e *signals.Event) { a.metrics.RecordSignal(string(e.Name)) })

	if s.Signals.MQTT.Enabled {
		a.mqtt = signals.NewMQTTSink(s.Signals.MQTT, log)
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		err := a.mqtt.Connect(connectCtx)
		cancel()
		if err != nil {
			a.log.Warn("mqtt broker unreachable, signals will not be published",
				logger.String("broker", s.Signals.MQTT.Broker),
				logger.Error(err))
		}
		a.bus.Subscribe(a.mqtt.Handle)
	}

	if len(s.Signals.Notify.URLs) > 0 {
		notifier, err := signals.NewNotifier(s.Signals.Notify.URLs, s.Site.Name, log)
		if err != nil {
			return err
		}
		a.bus.Subscribe(notifier.WithCooldown(s.Signals.Notify.Cooldown.Std()).Handle)
	}
	return nil
}

// buildRegistration opens cache storage and installs the first worker.
// Without storage the server runs network-only.
func (a *App) buildRegistration(ctx context.Context, log logger.Logger) {
	s := a.settings
	storage, err := datastore.Open(s.Storage, s.WebServer.Debug, log)
	if err != nil {
		a.log.Warn("cache storage unavailable, serving network only",
			logger.String("backend", s.Storage.Backend),
			logger.Error(err))
		return
	}
	a.storage = storage

	a.reg = offline.NewRegistration(&offline.Options{
		Origin:        s.OriginURL(),
		Storage:       storage,
		Network:       a.toggle,
		Tasks:         offline.NewTaskGroup(s.Offline.WriteTimeoutStd(), log),
		Logger:        log,
		Metrics:       a.metrics,
		MaxEntryBytes: s.Offline.MaxEntryBytes,
	}, a.bus)

	script, err := a.Script()
	if err != nil {
		a.log.Error("failed to render worker script", logger.Error(err))
		return
	}
	if _, err := a.reg.Register(ctx, script); err != nil {
		a.log.Warn("initial install failed, serving network only until the next update",
			logger.String("generation", script.Generation),
			logger.Error(err))
	}
}

// Script renders the worker script for the current offline settings.
func (a *App) Script() (offline.Script, error) {
	a.mu.RLock()
	o := a.offline
	a.mu.RUnlock()
	return pwa.RenderScript(pwa.ScriptConfig{
		Generation:  o.Generation,
		Manifest:    o.Manifest,
		OfflinePage: o.OfflinePage,
	})
}

// Reload applies changed offline settings. A new generation or manifest
// installs a new worker; everything else needs a restart.
func (a *App) Reload(ctx context.Context, s *conf.Settings) {
	a.mu.Lock()
	a.offline = s.Offline
	a.mu.Unlock()

	if a.reg == nil {
		return
	}
	script, err := a.Script()
	if err != nil {
		a.log.Error("failed to render worker script", logger.Error(err))
		return
	}
	w, err := a.reg.Update(ctx, script)
	if err != nil {
		a.log.Warn("worker update failed", logger.String("generation", script.Generation), logger.Error(err))
		return
	}
	a.log.Info("worker updated",
		logger.String("generation", w.Generation()),
		logger.String("state", w.State().String()))
}

// Handler returns the front HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server
}

// Registration returns the worker registration, nil when running network-only.
func (a *App) Registration() *offline.Registration {
	return a.reg
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start(a.settings.WebServer.Listen)
	}()

	select {
	case err := <-errCh:
		a.Close()
		if err != nil {
			return errors.New(err).Component("app").Category(errors.CategoryNetwork).
				Context("listen", a.settings.WebServer.Listen).Build()
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := a.server.Shutdown(shutdownCtx)
	<-errCh
	a.Close()
	return err
}

// Close releases everything New started. It is safe after a partial New.
func (a *App) Close() {
	if a.reg != nil {
		a.reg.Wait()
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.log.Warn("failed to close cache storage", logger.Error(err))
		}
	}
	a.reporter.Close()
}
