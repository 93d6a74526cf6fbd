package pwa

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/folio/internal/errors"
)

func TestSlot(t *testing.T) {
	t.Parallel()

	var s Slot[string]
	_, ok := s.Get()
	assert.False(t, ok, "zero slot is empty")

	assert.False(t, s.Set("first"))
	assert.True(t, s.Set("second"), "second Set replaces")

	v, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, "second", v)

	v, ok = s.Take()
	require.True(t, ok)
	assert.Equal(t, "second", v)
	_, ok = s.Take()
	assert.False(t, ok, "Take empties the slot")

	s.Set("x")
	s.Clear()
	_, ok = s.Get()
	assert.False(t, ok)
}

func TestSlot_TakeOnce(t *testing.T) {
	t.Parallel()

	var s Slot[int]
	s.Set(7)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for range 16 {
		wg.Go(func() {
			if _, ok := s.Take(); ok {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 1, taken)
}

func TestPromptStore_DeferAndResolve(t *testing.T) {
	t.Parallel()

	store := NewPromptStore()
	store.Defer(Prompt{ClientID: "c1", Platforms: []string{"web"}})

	p, ok := store.Get("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"web"}, p.Platforms)
	assert.WithinDuration(t, time.Now(), p.CapturedAt, time.Minute)

	resolved, err := store.Resolve("c1", OutcomeAccepted)
	require.NoError(t, err)
	assert.Equal(t, "c1", resolved.ClientID)

	_, err = store.Resolve("c1", OutcomeAccepted)
	require.ErrorIs(t, err, ErrNoPrompt, "a prompt resolves once")
	assert.Equal(t, 0, store.Len())
}

func TestPromptStore_ReplacesOlderPrompt(t *testing.T) {
	t.Parallel()

	store := NewPromptStore()
	store.Defer(Prompt{ClientID: "c1", Platforms: []string{"old"}})
	store.Defer(Prompt{ClientID: "c1", Platforms: []string{"new"}})

	p, ok := store.Get("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"new"}, p.Platforms)
	assert.Equal(t, 1, store.Len())
}

func TestPromptStore_InvalidOutcome(t *testing.T) {
	t.Parallel()

	store := NewPromptStore()
	store.Defer(Prompt{ClientID: "c1"})

	_, err := store.Resolve("c1", "maybe")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))

	_, ok := store.Get("c1")
	assert.True(t, ok, "invalid outcome leaves the prompt in place")
}

func TestPromptStore_Forget(t *testing.T) {
	t.Parallel()

	store := NewPromptStore()
	store.Defer(Prompt{ClientID: "c1"})
	store.Forget("c1")
	store.Forget("unknown")

	_, ok := store.Get("c1")
	assert.False(t, ok)
	_, err := store.Resolve("c1", OutcomeDismissed)
	require.ErrorIs(t, err, ErrNoPrompt)
}

func TestRenderScript(t *testing.T) {
	t.Parallel()

	cfg := ScriptConfig{
		Generation:  "folio-v1",
		Manifest:    []string{"/", "/offline.html", "/app.css"},
		OfflinePage: "/offline.html",
	}
	s1, err := RenderScript(cfg)
	require.NoError(t, err)
	s2, err := RenderScript(cfg)
	require.NoError(t, err)

	assert.Equal(t, s1.Digest(), s2.Digest(), "rendering is deterministic")
	assert.Contains(t, string(s1.Source), `const CACHE_NAME = "folio-v1";`)
	assert.Contains(t, string(s1.Source), `const PRECACHE_URLS = ["/","/offline.html","/app.css"];`)
	assert.Equal(t, cfg.Manifest, s1.Manifest)

	cfg.Generation = "folio-v2"
	s3, err := RenderScript(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Digest(), s3.Digest(), "new generation changes the script")
}

func TestRenderScript_RequiresGeneration(t *testing.T) {
	t.Parallel()

	_, err := RenderScript(ScriptConfig{Generation: "  "})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestRenderScript_EscapesManifest(t *testing.T) {
	t.Parallel()

	s, err := RenderScript(ScriptConfig{Generation: `v"1`, Manifest: []string{`/a"b`}})
	require.NoError(t, err)
	assert.Contains(t, string(s.Source), `const CACHE_NAME = "v\"1";`)
	assert.Contains(t, string(s.Source), `["/a\"b"]`)
}

func TestManifestJSON(t *testing.T) {
	t.Parallel()

	b, err := ManifestJSON(Site{Name: "Field Notes"})
	require.NoError(t, err)

	var m WebManifest
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "Field Notes", m.Name)
	assert.Equal(t, "Field Notes", m.ShortName)
	assert.Equal(t, "standalone", m.Display)
	assert.Equal(t, "/", m.StartURL)
	require.Len(t, m.Icons, 2)
	assert.Equal(t, "/icon-192.jpg", m.Icons[0].Src)
	assert.Equal(t, "192x192", m.Icons[0].Sizes)
	assert.Equal(t, "/icon-512.jpg", m.Icons[1].Src)
}

func TestOfflineHTML(t *testing.T) {
	t.Parallel()

	b, err := OfflineHTML(Site{Name: "<Notes>"})
	require.NoError(t, err)
	assert.Contains(t, string(b), "&lt;Notes&gt;")
	assert.NotContains(t, string(b), "<Notes>")
}

func TestRegisterJS(t *testing.T) {
	t.Parallel()

	js := string(RegisterJS())
	assert.Contains(t, js, "serviceWorker")
	assert.Contains(t, js, "beforeinstallprompt")
}

func TestSizeToPixels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		size    string
		want    int
		wantErr bool
	}{
		{"192", 192, false},
		{"512", 512, false},
		{"64", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			t.Parallel()
			got, err := SizeToPixels(tt.size)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "192, 512")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSizeFromIconPath(t *testing.T) {
	t.Parallel()

	px, err := SizeFromIconPath("/icon-512.jpg")
	require.NoError(t, err)
	assert.Equal(t, 512, px)

	for _, bad := range []string{"/icon-512.png", "/logo.jpg", "/icon-100.jpg"} {
		_, err := SizeFromIconPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestIcons_JPEG(t *testing.T) {
	t.Parallel()

	icons := NewIcons(Site{ThemeColor: "#ff0000", BackgroundColor: "not-a-colour"})
	b, err := icons.JPEG(192)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 192, cfg.Width)
	assert.Equal(t, 192, cfg.Height)

	again, err := icons.JPEG(192)
	require.NoError(t, err)
	assert.Equal(t, b, again)

	_, err = icons.JPEG(100)
	require.Error(t, err)
}
