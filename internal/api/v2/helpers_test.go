package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/offline"
	"github.com/tphakala/folio/internal/signals"
)

const testOrigin = "https://folio.example"

var testManifest = []string{"/", "/offline.html", "/manifest.json", "/icon-192.jpg", "/icon-512.jpg"}

type recorder struct {
	mu     sync.Mutex
	events []*signals.Event
}

func (r *recorder) Publish(e *signals.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) names() []signals.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signals.Name, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

type fixture struct {
	echo       *echo.Echo
	controller *Controller
	reg        *offline.Registration
	toggle     *offline.Toggle
	storage    repository.CacheStorage
	hub        *signals.Hub
	events     *recorder
	generation string
	mu         sync.Mutex
}

func (f *fixture) setGeneration(gen string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation = gen
}

func (f *fixture) script() (offline.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return offline.Script{Generation: f.generation, Manifest: testManifest, OfflinePage: "/offline.html"}, nil
}

// newFixture builds a controller over a registered worker. Deps can be
// adjusted before routes are registered.
func newFixture(t *testing.T, register bool, adjust ...func(*Deps)) *fixture {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	mock := httpmock.NewMockTransport()
	for _, p := range testManifest {
		mock.RegisterResponder(http.MethodGet, testOrigin+p, httpmock.NewStringResponder(http.StatusOK, "body "+p))
	}
	toggle := offline.NewToggle(offline.NewHTTPNetwork(offline.NewHTTPClient(mock, 0), origin, nil))
	storage := repository.NewMemoryCacheStorage()
	events := &recorder{}
	hub := signals.NewHub()

	reg := offline.NewRegistration(&offline.Options{
		Origin:  origin,
		Storage: storage,
		Network: toggle,
	}, events)

	f := &fixture{
		reg:        reg,
		toggle:     toggle,
		storage:    storage,
		hub:        hub,
		events:     events,
		generation: "folio-v1",
	}
	t.Cleanup(func() {
		if f.controller != nil {
			f.controller.Shutdown()
		}
		reg.Wait()
		hub.Close()
		_ = storage.Close()
	})

	if register {
		script, _ := f.script()
		_, err := reg.Register(t.Context(), script)
		require.NoError(t, err)
	}

	deps := Deps{
		Registration: reg,
		Toggle:       toggle,
		Storage:      storage,
		Hub:          hub,
		Publisher:    events,
		Script:       f.script,
	}
	for _, fn := range adjust {
		fn(&deps)
	}

	f.echo = echo.New()
	f.controller = New(f.echo, deps)
	return f
}

func (f *fixture) request(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
