package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/offline"
)

// WorkerStatusResponse is the body of GET /worker/status.
type WorkerStatusResponse struct {
	offline.RegistrationStatus
	Enabled        bool `json:"enabled"`
	NetworkOffline bool `json:"network_offline"`
	SignalClients  int  `json:"signal_clients"`
}

// GenerationInfo describes one stored cache generation.
type GenerationInfo struct {
	Name    string `json:"name"`
	Entries int64  `json:"entries"`
	Active  bool   `json:"active"`
}

// NetworkRequest toggles simulated connectivity.
type NetworkRequest struct {
	Offline bool `json:"offline"`
}

func (c *Controller) initWorkerRoutes() {
	worker := c.Group.Group("/worker")
	worker.GET("/status", c.GetWorkerStatus)
	worker.POST("/update", c.UpdateWorker)
	worker.POST("/skip-waiting", c.SkipWaiting)
	worker.PUT("/network", c.SetNetwork)
	worker.GET("/generations", c.ListGenerations)
	worker.DELETE("/generations/:name", c.DeleteGeneration)
}

func (c *Controller) requireWorker(ctx echo.Context) error {
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Offline worker is disabled"})
}

// GetWorkerStatus returns the registration's workers and connectivity.
func (c *Controller) GetWorkerStatus(ctx echo.Context) error {
	resp := WorkerStatusResponse{
		Enabled:       c.reg != nil,
		SignalClients: c.hub.Clients(),
	}
	if c.reg != nil {
		resp.RegistrationStatus = c.reg.Status()
	}
	if c.toggle != nil {
		resp.NetworkOffline = c.toggle.Offline()
	}
	return ctx.JSON(http.StatusOK, resp)
}

// UpdateWorker re-renders the configured script and installs it if it changed.
func (c *Controller) UpdateWorker(ctx echo.Context) error {
	if c.reg == nil || c.script == nil {
		return c.requireWorker(ctx)
	}

	script, err := c.script()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to render worker script", http.StatusInternalServerError)
	}

	w, err := c.reg.Update(ctx.Request().Context(), script)
	switch {
	case errors.Is(err, offline.ErrNotRegistered):
		return c.HandleError(ctx, err, "Worker is not registered", http.StatusConflict)
	case err != nil && w == nil:
		return c.HandleError(ctx, err, "Worker install failed", http.StatusBadGateway)
	case err != nil:
		c.logger.Warn("worker activated with errors", logger.Error(err))
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"worker": w.Status(),
		"status": c.reg.Status(),
	})
}

// SkipWaiting activates the waiting worker.
func (c *Controller) SkipWaiting(ctx echo.Context) error {
	if c.reg == nil {
		return c.requireWorker(ctx)
	}
	waiting := c.reg.Waiting()
	if waiting == nil {
		return ctx.JSON(http.StatusOK, map[string]any{
			"activated": false,
			"status":    c.reg.Status(),
		})
	}
	if err := c.reg.SkipWaiting(ctx.Request().Context()); err != nil {
		c.logger.Warn("skip waiting finished with errors",
			logger.String("generation", waiting.Generation()),
			logger.Error(err))
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"activated":  true,
		"generation": waiting.Generation(),
		"status":     c.reg.Status(),
	})
}

// SetNetwork switches simulated connectivity on or off.
func (c *Controller) SetNetwork(ctx echo.Context) error {
	if c.toggle == nil {
		return c.requireWorker(ctx)
	}
	var req NetworkRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	c.toggle.SetOffline(req.Offline)
	c.logger.Info("network toggled", logger.Bool("offline", req.Offline))
	return ctx.JSON(http.StatusOK, map[string]bool{"offline": c.toggle.Offline()})
}

// ListGenerations lists stored cache generations in creation order.
func (c *Controller) ListGenerations(ctx echo.Context) error {
	if c.storage == nil {
		return c.requireWorker(ctx)
	}
	reqCtx := ctx.Request().Context()
	names, err := c.storage.Names(reqCtx)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list cache generations", http.StatusInternalServerError)
	}

	active := c.activeGeneration()
	out := make([]GenerationInfo, 0, len(names))
	for _, name := range names {
		count, err := c.storage.Count(reqCtx, name)
		if err != nil {
			if errors.Is(err, repository.ErrGenerationNotFound) {
				continue
			}
			return c.HandleError(ctx, err, "Failed to count cache entries", http.StatusInternalServerError)
		}
		out = append(out, GenerationInfo{Name: name, Entries: count, Active: name == active})
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"generations": out,
		"count":       len(out),
	})
}

// DeleteGeneration removes a stale generation. The active one is refused.
func (c *Controller) DeleteGeneration(ctx echo.Context) error {
	if c.storage == nil {
		return c.requireWorker(ctx)
	}
	name := ctx.Param("name")
	if name == c.activeGeneration() {
		return ctx.JSON(http.StatusConflict, map[string]string{"error": "Cannot delete the active generation"})
	}
	deleted, err := c.storage.Delete(ctx.Request().Context(), name)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to delete cache generation", http.StatusInternalServerError)
	}
	if !deleted {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Cache generation not found"})
	}
	c.logger.Info("cache generation deleted", logger.String("generation", name))
	return ctx.NoContent(http.StatusNoContent)
}

func (c *Controller) activeGeneration() string {
	if c.reg == nil {
		return ""
	}
	if w := c.reg.Active(); w != nil {
		return w.Generation()
	}
	return ""
}
