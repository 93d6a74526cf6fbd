package api

import (
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/pwa"
)

// OriginConfig configures the site the worker fetches from.
type OriginConfig struct {
	Site        pwa.Site
	OfflinePage string
	// Files are served when Upstream is nil. Nil means the bundled site.
	Files fs.FS
	// Upstream, when set, serves every path except the web-app files.
	Upstream *url.URL
	// Transport reaches Upstream. Nil uses the default transport.
	Transport http.RoundTripper
	Logger    logger.Logger
}

// NewOriginHandler returns the handler behind the worker's network: the
// web-app files plus either the static site or a proxy to the upstream.
func NewOriginHandler(cfg OriginConfig) (http.Handler, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Module("origin")

	files, err := newPWAFiles(cfg.Site, cfg.OfflinePage)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	files.registerPWARoutes(e, log)

	if cfg.Upstream != nil {
		e.Any("/*", echo.NotFoundHandler, upstreamProxy(cfg.Upstream, cfg.Transport))
		return e, nil
	}

	site := cfg.Files
	if site == nil {
		site = DefaultSite()
	}
	static := NewStaticFileServer(site, log)
	e.GET("/*", static.Handle)
	e.HEAD("/*", static.Handle)
	return e, nil
}

// upstreamProxy forwards requests to upstream, keeping its path prefix.
func upstreamProxy(upstream *url.URL, transport http.RoundTripper) echo.MiddlewareFunc {
	target := *upstream
	prefix := strings.TrimSuffix(target.Path, "/")
	target.Path = ""
	target.RawPath = ""

	cfg := middleware.ProxyConfig{
		Balancer:  middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: &target}}),
		Transport: transport,
	}
	if prefix != "" {
		cfg.Rewrite = map[string]string{"/*": prefix + "/$1"}
	}
	return middleware.ProxyWithConfig(cfg)
}
