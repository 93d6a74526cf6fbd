package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIsHashedAsset verifies the helper correctly identifies content-hashed asset paths.
func TestIsHashedAsset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		want bool
	}{
		{
			name: "hashed CSS file",
			path: "assets/app-3f9c2a7e.css",
			want: true,
		},
		{
			name: "hashed JS file",
			path: "assets/index-abc12345def.js",
			want: true,
		},
		{
			name: "short hash is not a content hash",
			path: "assets/index-abc1.js",
			want: false,
		},
		{
			name: "unhashed asset",
			path: "assets/logo.svg",
			want: false,
		},
		{
			name: "hashed name outside assets",
			path: "app-3f9c2a7e.css",
			want: false,
		},
		{
			name: "nested directory",
			path: "assets/fonts/inter-3f9c2a7e.woff2",
			want: false,
		},
		{
			name: "empty path",
			path: "",
			want: false,
		},
		{
			name: "path traversal attempt",
			path: "assets/../secrets/app-3f9c2a7e.css",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := isHashedAsset(tt.path)
			assert.Equal(t, tt.want, got, "isHashedAsset(%q)", tt.path)
		})
	}
}

func TestCleanPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"/", "index.html", true},
		{"", "index.html", true},
		{"/projects.html", "projects.html", true},
		{"/assets//app.css", "assets/app.css", true},
		{"/../etc/passwd", "", false},
		{"/assets/%2e%2e/x", "assets/%2e%2e/x", true},
	}
	for _, tt := range tests {
		got, ok := cleanPath(tt.path)
		assert.Equal(t, tt.wantOK, ok, tt.path)
		if tt.wantOK {
			assert.Equal(t, tt.want, got, tt.path)
		}
	}
}

// TestStaticFileServerCacheHeaders verifies that hashed assets are cached
// forever and everything else revalidates.
func TestStaticFileServerCacheHeaders(t *testing.T) {
	t.Parallel()

	sfs := NewStaticFileServer(fstest.MapFS{
		"index.html":              &fstest.MapFile{Data: []byte(`<h1>home</h1>`)},
		"blog/index.html":         &fstest.MapFile{Data: []byte(`<h1>blog</h1>`)},
		"assets/app-3f9c2a7e.css": &fstest.MapFile{Data: []byte(`body{}`)},
		"assets/logo.svg":         &fstest.MapFile{Data: []byte(`<svg/>`)},
	}, nil)

	tests := []struct {
		name             string
		path             string
		wantStatus       int
		wantCacheControl string
		wantBody         string
	}{
		{
			name:             "root serves index",
			path:             "/",
			wantStatus:       http.StatusOK,
			wantCacheControl: cacheRevalidate,
			wantBody:         `<h1>home</h1>`,
		},
		{
			name:             "directory serves its index",
			path:             "/blog",
			wantStatus:       http.StatusOK,
			wantCacheControl: cacheRevalidate,
			wantBody:         `<h1>blog</h1>`,
		},
		{
			name:             "hashed CSS gets immutable cache",
			path:             "/assets/app-3f9c2a7e.css",
			wantStatus:       http.StatusOK,
			wantCacheControl: cacheImmutable,
			wantBody:         `body{}`,
		},
		{
			name:             "unhashed asset revalidates",
			path:             "/assets/logo.svg",
			wantStatus:       http.StatusOK,
			wantCacheControl: cacheRevalidate,
			wantBody:         `<svg/>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, sfs.Handle(c))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCacheControl, rec.Header().Get("Cache-Control"))
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestStaticFileServerNotFound(t *testing.T) {
	t.Parallel()

	sfs := NewStaticFileServer(fstest.MapFS{}, nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/missing.html", http.NoBody)
	c := e.NewContext(req, httptest.NewRecorder())

	err := sfs.Handle(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}

func TestStaticFileServerETag(t *testing.T) {
	t.Parallel()

	sfs := NewStaticFileServer(fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte(`<h1>home</h1>`)},
	}, nil)
	e := echo.New()

	rec := httptest.NewRecorder()
	require.NoError(t, sfs.Handle(e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	require.NoError(t, sfs.Handle(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestDefaultSite(t *testing.T) {
	t.Parallel()

	site := DefaultSite()
	for _, name := range []string{"index.html", "projects.html", "assets/app-3f9c2a7e.css"} {
		_, err := site.Open(name)
		require.NoError(t, err, name)
	}
}
