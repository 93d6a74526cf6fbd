package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/pwa"
	"github.com/tphakala/folio/internal/signals"
)

// InstallPromptRequest is sent when the platform offers installation.
type InstallPromptRequest struct {
	ClientID  string   `json:"client_id"`
	Platforms []string `json:"platforms"`
}

// ResolvePromptRequest carries the user's choice.
type ResolvePromptRequest struct {
	ClientID string `json:"client_id"`
	Outcome  string `json:"outcome"`
}

// PlatformEventRequest reports a platform event such as appinstalled.
type PlatformEventRequest struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
}

func (c *Controller) initPWARoutes() {
	g := c.Group.Group("/pwa")
	g.POST("/install-prompt", c.DeferInstallPrompt)
	g.GET("/install-prompt", c.GetInstallPrompt)
	g.POST("/install-prompt/resolve", c.ResolveInstallPrompt)
	g.POST("/events", c.RecordPlatformEvent)
}

// DeferInstallPrompt stores the page's deferred install prompt.
func (c *Controller) DeferInstallPrompt(ctx echo.Context) error {
	var req InstallPromptRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	clientID := clientIDFrom(ctx, req.ClientID)
	if clientID == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "client_id is required"})
	}

	c.prompts.Defer(pwa.Prompt{ClientID: clientID, Platforms: req.Platforms})
	c.publisher.Publish(&signals.Event{Name: signals.BeforeInstallPrompt, ClientID: clientID})

	p, _ := c.prompts.Get(clientID)
	return ctx.JSON(http.StatusCreated, p)
}

// GetInstallPrompt reports whether the client can still be offered an install.
func (c *Controller) GetInstallPrompt(ctx echo.Context) error {
	clientID := ctx.QueryParam("client_id")
	p, ok := c.prompts.Get(clientID)
	if !ok {
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "No deferred install prompt"})
	}
	return ctx.JSON(http.StatusOK, p)
}

// ResolveInstallPrompt consumes the prompt with the user's outcome.
func (c *Controller) ResolveInstallPrompt(ctx echo.Context) error {
	var req ResolvePromptRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	clientID := clientIDFrom(ctx, req.ClientID)

	p, err := c.prompts.Resolve(clientID, req.Outcome)
	switch {
	case errors.Is(err, pwa.ErrNoPrompt):
		return ctx.JSON(http.StatusNotFound, map[string]string{"error": "No deferred install prompt"})
	case err != nil:
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	c.logger.Info("install prompt resolved",
		logger.String("client_id", clientID),
		logger.String("outcome", req.Outcome))
	return ctx.JSON(http.StatusOK, map[string]any{
		"prompt":  p,
		"outcome": req.Outcome,
	})
}

// RecordPlatformEvent accepts platform events pages observe. Only
// appinstalled is accepted; it clears the client's prompt slot.
func (c *Controller) RecordPlatformEvent(ctx echo.Context) error {
	var req PlatformEventRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if signals.Name(req.Name) != signals.AppInstalled {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Unsupported event"})
	}
	clientID := clientIDFrom(ctx, req.ClientID)

	c.prompts.Forget(clientID)
	c.publisher.Publish(&signals.Event{Name: signals.AppInstalled, ClientID: clientID})
	return ctx.NoContent(http.StatusAccepted)
}
