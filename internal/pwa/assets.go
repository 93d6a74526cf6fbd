package pwa

import (
	"bytes"
	"embed"
	"encoding/json"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/offline"
)

// Fixed paths of the web-app files.
const (
	ScriptPath   = "/sw.js"
	RegisterPath = "/register.js"
	ManifestPath = "/manifest.json"
)

//go:embed templates/*
var templateFS embed.FS

var (
	scriptTemplate = template.Must(template.New("sw.js.tmpl").
			Funcs(template.FuncMap{"json": toJSON}).
			ParseFS(templateFS, "templates/sw.js.tmpl"))
	offlineTemplate = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/offline.html.tmpl"))
)

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

// Site describes the installable app.
type Site struct {
	Name            string
	ShortName       string
	Description     string
	ThemeColor      string
	BackgroundColor string
}

func (s Site) withDefaults() Site {
	if s.Name == "" {
		s.Name = "folio"
	}
	if s.ShortName == "" {
		s.ShortName = s.Name
	}
	if s.ThemeColor == "" {
		s.ThemeColor = "#0f766e"
	}
	if s.BackgroundColor == "" {
		s.BackgroundColor = "#111827"
	}
	return s
}

// ScriptConfig is the input of the worker script.
type ScriptConfig struct {
	Generation  string
	Manifest    []string
	OfflinePage string
}

// RenderScript renders /sw.js. The returned script's digest changes whenever
// the rendered bytes change.
func RenderScript(cfg ScriptConfig) (offline.Script, error) {
	if strings.TrimSpace(cfg.Generation) == "" {
		return offline.Script{}, errors.Newf("generation tag is required").
			Component("pwa").
			Category(errors.CategoryValidation).
			Build()
	}
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, cfg); err != nil {
		return offline.Script{}, errors.Newf("render worker script: %w", err).
			Component("pwa").
			Category(errors.CategoryGeneric).
			Build()
	}
	return offline.Script{
		Generation:  cfg.Generation,
		Manifest:    append([]string(nil), cfg.Manifest...),
		OfflinePage: cfg.OfflinePage,
		Source:      buf.Bytes(),
	}, nil
}

// RegisterJS returns the page glue that registers the worker and relays
// lifecycle and install-prompt events.
func RegisterJS() []byte {
	b, err := templateFS.ReadFile("templates/register.js")
	if err != nil {
		panic(err)
	}
	return b
}

// WebManifest is the web-app manifest document.
type WebManifest struct {
	Name            string         `json:"name"`
	ShortName       string         `json:"short_name"`
	Description     string         `json:"description,omitempty"`
	StartURL        string         `json:"start_url"`
	Scope           string         `json:"scope"`
	Display         string         `json:"display"`
	ThemeColor      string         `json:"theme_color"`
	BackgroundColor string         `json:"background_color"`
	Icons           []ManifestIcon `json:"icons"`
}

// ManifestIcon is one manifest icon entry.
type ManifestIcon struct {
	Src     string `json:"src"`
	Sizes   string `json:"sizes"`
	Type    string `json:"type"`
	Purpose string `json:"purpose,omitempty"`
}

// Manifest builds the manifest for site.
func Manifest(site Site) WebManifest {
	site = site.withDefaults()
	m := WebManifest{
		Name:            site.Name,
		ShortName:       site.ShortName,
		Description:     site.Description,
		StartURL:        "/",
		Scope:           "/",
		Display:         "standalone",
		ThemeColor:      site.ThemeColor,
		BackgroundColor: site.BackgroundColor,
	}
	for _, size := range GetValidSizes() {
		px, _ := SizeToPixels(size)
		m.Icons = append(m.Icons, ManifestIcon{
			Src:     IconPath(px),
			Sizes:   size + "x" + size,
			Type:    "image/jpeg",
			Purpose: "any",
		})
	}
	return m
}

// ManifestJSON renders the manifest document.
func ManifestJSON(site Site) ([]byte, error) {
	return json.MarshalIndent(Manifest(site), "", "  ")
}

// OfflineHTML renders the offline fallback page.
func OfflineHTML(site Site) ([]byte, error) {
	var buf bytes.Buffer
	if err := offlineTemplate.Execute(&buf, site.withDefaults()); err != nil {
		return nil, errors.Newf("render offline page: %w", err).Component("pwa").Build()
	}
	return buf.Bytes(), nil
}
