package api

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
)

const (
	cacheImmutable  = "public, max-age=31536000, immutable"
	cacheRevalidate = "no-cache, must-revalidate"
)

//go:embed all:site
var embeddedSite embed.FS

// hashedAsset matches build outputs like assets/app-3f9c2a7e.css.
var hashedAsset = regexp.MustCompile(`^assets/[^/]+-[0-9a-fA-F]{8,}\.[a-z0-9]+$`)

// DefaultSite returns the bundled demo site.
func DefaultSite() fs.FS {
	sub, err := fs.Sub(embeddedSite, "site")
	if err != nil {
		panic(err)
	}
	return sub
}

// SiteFS returns the site files under root, or the bundled site when root is
// empty.
func SiteFS(root string) fs.FS {
	if root == "" {
		return DefaultSite()
	}
	return os.DirFS(root)
}

// StaticFileServer serves site files. Content-hashed assets are cached
// forever; everything else revalidates.
type StaticFileServer struct {
	files   fs.FS
	modTime time.Time
	log     logger.Logger
}

// NewStaticFileServer creates a server for files.
func NewStaticFileServer(files fs.FS, log logger.Logger) *StaticFileServer {
	if log == nil {
		log = logger.NewNop()
	}
	return &StaticFileServer{files: files, modTime: time.Now(), log: log}
}

// isHashedAsset reports whether name carries a content hash in its file name.
func isHashedAsset(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	return hashedAsset.MatchString(name)
}

// cleanPath maps a URL path to a file name inside the site, or false when the
// path escapes it.
func cleanPath(urlPath string) (string, bool) {
	if strings.Contains(urlPath, "..") {
		return "", false
	}
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		name = "index.html"
	}
	return name, fs.ValidPath(name)
}

// Handle serves the file named by the request path. Directories serve their
// index.html.
func (sfs *StaticFileServer) Handle(c echo.Context) error {
	name, ok := cleanPath(c.Request().URL.Path)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if info, err := fs.Stat(sfs.files, name); err == nil && info.IsDir() {
		name = path.Join(name, "index.html")
	}
	return sfs.serveFile(c, name)
}

func (sfs *StaticFileServer) serveFile(c echo.Context, name string) error {
	data, err := fs.ReadFile(sfs.files, name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sfs.log.Warn("failed to read site file", logger.String("file", name), logger.Error(err))
		}
		return echo.NewHTTPError(http.StatusNotFound)
	}

	h := c.Response().Header()
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		h.Set(echo.HeaderContentType, ct)
	}
	if h.Get("Cache-Control") == "" {
		if isHashedAsset(name) {
			h.Set("Cache-Control", cacheImmutable)
		} else {
			h.Set("Cache-Control", cacheRevalidate)
		}
	}
	sum := sha256.Sum256(data)
	h.Set("ETag", `"`+hex.EncodeToString(sum[:8])+`"`)

	http.ServeContent(c.Response(), c.Request(), name, sfs.modTime, bytes.NewReader(data))
	return nil
}
