package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/observability/metrics"
	"github.com/tphakala/folio/internal/offline"
)

// handleFetch routes a page request through the offline worker, or straight
// to the network when no registration exists. A request neither the network
// nor the cache can answer gets 504.
func (s *Server) handleFetch(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	var (
		resp *http.Response
		err  error
	)
	if s.reg != nil {
		resp, err = s.reg.HandleFetch(ctx, req)
	} else {
		resp, err = s.network.Fetch(ctx, req)
		if err == nil {
			resp.Header.Set(offline.SourceHeader, metrics.SourceNetwork)
			s.metrics.RecordFetch(metrics.SourceNetwork)
		}
	}
	if err != nil {
		if errors.Is(err, offline.ErrNoResponse) || errors.Is(err, offline.ErrOffline) || errors.CategoryOf(err) == errors.CategoryNetwork {
			c.Response().Header().Set(offline.SourceHeader, metrics.SourceMiss)
			return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "Resource unavailable offline"})
		}
		s.log.Warn("fetch failed", logger.String("path", req.URL.Path), logger.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "Fetch failed"})
	}
	defer func() { _ = resp.Body.Close() }()

	return writeResponse(c, resp)
}

// writeResponse copies resp to the echo response.
func writeResponse(c echo.Context, resp *http.Response) error {
	h := c.Response().Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Del("Content-Length")
	c.Response().WriteHeader(resp.StatusCode)
	if c.Request().Method == http.MethodHead {
		return nil
	}
	_, err := io.Copy(c.Response(), resp.Body)
	return err
}
