package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/signals"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 4 * 1024
)

var signalUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients may omit Origin.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// wsCommand is a message a page sends over the socket.
type wsCommand struct {
	Type string `json:"type"`
}

// Page commands.
const (
	wsCommandSkipWaiting = "skip-waiting"
	wsCommandPing        = "ping"
)

// HandleSignalsWS streams lifecycle signals over a WebSocket. Pages may send
// {"type":"skip-waiting"} to apply a waiting update.
func (c *Controller) HandleSignalsWS(ctx echo.Context) error {
	conn, err := signalUpgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		c.logger.Warn("failed to upgrade signal WebSocket", logger.Error(err))
		return nil
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsMaxMsgSize)

	clientID := streamClientID(ctx)
	sub, detach := c.attach(clientID)
	defer detach()

	c.logger.Debug("signal WebSocket client connected", logger.String("client_id", clientID))

	// gorilla/websocket allows one concurrent writer.
	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(messageType, data)
	}
	writeJSON := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return write(websocket.TextMessage, data)
	}

	if err := writeJSON(&signals.Event{
		Name:      "connected",
		ClientID:  clientID,
		Timestamp: time.Now(),
	}); err != nil {
		return nil
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer wg.Wait()
	defer close(done)

	// Signals and pings -> socket.
	wg.Go(func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case event, ok := <-sub.C:
				if !ok {
					_ = conn.Close()
					return
				}
				if err := writeJSON(event); err != nil {
					_ = conn.Close()
					return
				}
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-c.ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	})

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case wsCommandSkipWaiting:
			if c.reg != nil {
				if err := c.reg.SkipWaiting(c.ctx); err != nil {
					c.logger.Warn("skip waiting from WebSocket failed", logger.Error(err))
				}
			}
		case wsCommandPing:
			_ = writeJSON(map[string]string{"type": "pong"})
		}
	}

	c.logger.Debug("signal WebSocket client disconnected", logger.String("client_id", clientID))
	return nil
}
