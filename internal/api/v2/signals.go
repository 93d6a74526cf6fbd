package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/signals"
)

// SSE connection configuration
const (
	maxSSEConnectionDuration = 30 * time.Minute
	heartbeatInterval        = 30 * time.Second
	maxClientIDLength        = 64
)

func (c *Controller) initSignalRoutes() {
	limit := rateLimiter(streamRate, streamBurst, "Too many signal stream connection attempts, please wait before trying again")
	c.Group.GET("/worker/signals", c.StreamSignals, limit)
	c.Group.GET("/worker/ws", c.HandleSignalsWS, limit)
}

// streamClientID returns the client id a page sent, or a fresh one.
func streamClientID(ctx echo.Context) string {
	id := ctx.QueryParam("client_id")
	if id == "" || len(id) > maxClientIDLength {
		return uuid.New().String()
	}
	return id
}

// attach makes clientID a controlled client and subscribes it to signals.
// The returned func undoes both.
func (c *Controller) attach(clientID string) (*signals.Subscription, func()) {
	sub := c.hub.Subscribe(clientID)
	if c.reg != nil {
		c.reg.ClientAttached(clientID)
	}
	c.metrics.SignalClientConnected()
	return sub, func() {
		sub.Close()
		if c.reg != nil {
			c.reg.ClientDetached(clientID)
		}
		c.metrics.SignalClientDisconnected()
	}
}

func setSSEHeaders(ctx echo.Context) {
	h := ctx.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sendSSEMessage writes one named event and flushes it.
func (c *Controller) sendSSEMessage(ctx echo.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Response(), "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	ctx.Response().Flush()
	return nil
}

// StreamSignals streams lifecycle signals over SSE. The connection counts as
// a controlled client until it closes.
func (c *Controller) StreamSignals(ctx echo.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx.Request().Context(), maxSSEConnectionDuration)
	defer cancel()
	ctx.SetRequest(ctx.Request().WithContext(timeoutCtx))

	setSSEHeaders(ctx)
	ctx.Response().WriteHeader(http.StatusOK)

	clientID := streamClientID(ctx)
	sub, detach := c.attach(clientID)
	defer detach()

	c.logger.Debug("signal SSE client connected",
		logger.String("client_id", clientID),
		logger.String("ip", ctx.RealIP()))
	defer c.logger.Debug("signal SSE client disconnected", logger.String("client_id", clientID))

	if err := c.sendSSEMessage(ctx, "connected", map[string]string{
		"client_id": clientID,
		"message":  "Connected to worker signal stream",
	}); err != nil {
		return nil
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := c.sendSSEMessage(ctx, string(event.Name), event); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := c.sendSSEMessage(ctx, "heartbeat", map[string]string{
				"timestamp": time.Now().Format(time.RFC3339),
			}); err != nil {
				return nil
			}
		case <-timeoutCtx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		}
	}
}
