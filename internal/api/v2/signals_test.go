package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/folio/internal/signals"
)

// readSSE reads one event block and returns its event name and data.
func readSSE(t *testing.T, r *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamSignals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	srv := httptest.NewServer(f.echo)
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v2/worker/signals?client_id=page-1", http.NoBody)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	name, data := readSSE(t, reader)
	assert.Equal(t, "connected", name)
	assert.Contains(t, data, `"client_id":"page-1"`)

	assert.Equal(t, 1, f.reg.Status().Clients, "stream is a controlled client")
	assert.Equal(t, 1, f.hub.Clients())

	f.hub.Handle(&signals.Event{Name: signals.UpdateWaiting, Generation: "folio-v2"})
	name, data = readSSE(t, reader)
	assert.Equal(t, "update-waiting", name)
	assert.Contains(t, data, `"generation":"folio-v2"`)

	cancel()
	assert.Eventually(t, func() bool {
		return f.reg.Status().Clients == 0 && f.hub.Clients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamSignals_LastClientActivatesWaiting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	srv := httptest.NewServer(f.echo)
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v2/worker/signals", http.NoBody)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	name, _ := readSSE(t, bufio.NewReader(resp.Body))
	require.Equal(t, "connected", name)

	f.setGeneration("folio-v2")
	rec := f.request(t, http.MethodPost, "/api/v2/worker/update", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.reg.Waiting(), "update waits while the page is open")

	cancel()
	assert.Eventually(t, func() bool {
		w := f.reg.Active()
		return w != nil && w.Generation() == "folio-v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSignalsWS(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	srv := httptest.NewServer(f.echo)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v2/worker/ws?client_id=page-2"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	var ev signals.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, signals.Name("connected"), ev.Name)
	assert.Equal(t, "page-2", ev.ClientID)

	assert.Eventually(t, func() bool { return f.reg.Status().Clients == 1 }, time.Second, 10*time.Millisecond)

	f.hub.Handle(&signals.Event{Name: signals.OfflineReady, Generation: "folio-v1"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, signals.OfflineReady, ev.Name)

	f.setGeneration("folio-v2")
	rec := f.request(t, http.MethodPost, "/api/v2/worker/update", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.reg.Waiting())

	require.NoError(t, conn.WriteJSON(wsCommand{Type: wsCommandSkipWaiting}))
	assert.Eventually(t, func() bool {
		w := f.reg.Active()
		return w != nil && w.Generation() == "folio-v2"
	}, 2*time.Second, 10*time.Millisecond)

	_ = conn.Close()
	assert.Eventually(t, func() bool { return f.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSignalsWS_RejectsForeignOrigin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	srv := httptest.NewServer(f.echo)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v2/worker/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
