package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/chat"
	"github.com/tphakala/folio/internal/observability/metrics"
)

// ChatRequest is the page's question.
type ChatRequest struct {
	Message string `json:"message"`
}

func (c *Controller) initChatRoutes() {
	c.Echo.POST(ChatPath, c.Chat,
		rateLimiter(c.chatRate, chatBurst, "Too many chat requests, please wait before trying again"))
}

// Chat forwards one message to the completion API. Failures answer with the
// fixed apology and a non-2xx status.
func (c *Controller) Chat(ctx echo.Context) error {
	if c.chat == nil {
		c.metrics.RecordChat(metrics.ResultSkipped)
		return ctx.JSON(http.StatusServiceUnavailable, chat.Answer{Text: chat.Apology, Sources: []string{}})
	}

	var req ChatRequest
	if err := ctx.Bind(&req); err != nil {
		c.metrics.RecordChat(metrics.ResultError)
		return ctx.JSON(http.StatusBadRequest, chat.Answer{Text: chat.Apology, Sources: []string{}})
	}

	answer, status, err := c.chat.Ask(ctx.Request().Context(), req.Message)
	if err != nil {
		c.metrics.RecordChat(metrics.ResultError)
	} else {
		c.metrics.RecordChat(metrics.ResultSuccess)
	}
	return ctx.JSON(status, answer)
}
