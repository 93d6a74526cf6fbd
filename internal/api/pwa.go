package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/pwa"
)

// pwaFiles are the web-app files rendered from the site settings.
type pwaFiles struct {
	manifest    []byte
	offlinePage []byte
	offlinePath string
	register    []byte
	icons       *pwa.Icons
}

func newPWAFiles(site pwa.Site, offlinePath string) (*pwaFiles, error) {
	manifest, err := pwa.ManifestJSON(site)
	if err != nil {
		return nil, err
	}
	page, err := pwa.OfflineHTML(site)
	if err != nil {
		return nil, err
	}
	if offlinePath == "" {
		offlinePath = "/offline.html"
	}
	return &pwaFiles{
		manifest:    manifest,
		offlinePage: page,
		offlinePath: offlinePath,
		register:    pwa.RegisterJS(),
		icons:       pwa.NewIcons(site),
	}, nil
}

// registerPWARoutes registers the manifest, offline page, icons and the
// registration glue. They have fixed names, so they always revalidate.
func (p *pwaFiles) registerPWARoutes(e *echo.Echo, log logger.Logger) {
	e.GET(pwa.ManifestPath, func(c echo.Context) error {
		return servePWAFile(c, "application/manifest+json", p.manifest)
	})
	e.GET(p.offlinePath, func(c echo.Context) error {
		return servePWAFile(c, echo.MIMETextHTMLCharsetUTF8, p.offlinePage)
	})
	e.GET(pwa.RegisterPath, func(c echo.Context) error {
		return servePWAFile(c, echo.MIMEApplicationJavaScriptCharsetUTF8, p.register)
	})
	for _, size := range pwa.GetValidSizes() {
		px, _ := pwa.SizeToPixels(size)
		e.GET(pwa.IconPath(px), func(c echo.Context) error {
			data, err := p.icons.JPEG(px)
			if err != nil {
				log.Error("failed to render icon", logger.Int("size", px), logger.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError)
			}
			return servePWAFile(c, "image/jpeg", data)
		})
	}
}

// servePWAFile writes a non-hashed file with revalidation headers.
func servePWAFile(c echo.Context, contentType string, data []byte) error {
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusOK, contentType, data)
}

// handleWorkerScript serves /sw.js. Browsers fetch it outside the worker, and
// Service-Worker-Allowed lets it control the whole origin.
func (s *Server) handleWorkerScript(c echo.Context) error {
	if s.script == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	script, err := s.script()
	if err != nil {
		s.log.Error("failed to render worker script", logger.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	c.Response().Header().Set("Service-Worker-Allowed", "/")
	return servePWAFile(c, echo.MIMEApplicationJavaScriptCharsetUTF8, script.Source)
}
