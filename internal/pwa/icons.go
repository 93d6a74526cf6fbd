package pwa

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/tphakala/folio/internal/errors"
)

// Icon sizes in pixels.
const (
	iconSmallPx = 192
	iconLargePx = 512

	iconQuality = 90
)

// validSizes maps manifest size strings to pixel widths.
var validSizes = map[string]int{
	"192": iconSmallPx,
	"512": iconLargePx,
}

// SizeToPixels converts a size string to pixel width.
func SizeToPixels(size string) (int, error) {
	px, ok := validSizes[size]
	if !ok {
		return 0, errors.Newf("invalid icon size (valid sizes: %s)", strings.Join(GetValidSizes(), ", ")).
			Component("pwa").
			Category(errors.CategoryValidation).
			Context("operation", "size_to_pixels").
			Context("size", size).
			Build()
	}
	return px, nil
}

// GetValidSizes returns the icon sizes in ascending order.
func GetValidSizes() []string {
	sizes := slices.Collect(maps.Keys(validSizes))
	slices.SortFunc(sizes, func(a, b string) int { return validSizes[a] - validSizes[b] })
	return sizes
}

// IconPath returns the URL path of the icon with width px.
func IconPath(px int) string {
	return fmt.Sprintf("/icon-%d.jpg", px)
}

// SizeFromIconPath parses "/icon-<px>.jpg".
func SizeFromIconPath(path string) (int, error) {
	name, ok := strings.CutPrefix(path, "/icon-")
	if ok {
		name, ok = strings.CutSuffix(name, ".jpg")
	}
	if !ok {
		return 0, errors.Newf("not an icon path").
			Component("pwa").
			Category(errors.CategoryNotFound).
			Context("path", path).
			Build()
	}
	return SizeToPixels(name)
}

// Icons renders app icons once per size and colour.
type Icons struct {
	fg, bg color.RGBA

	mu    sync.Mutex
	cache map[int][]byte
}

// NewIcons creates an icon renderer from hex colours like "#0f766e".
func NewIcons(site Site) *Icons {
	site = site.withDefaults()
	return &Icons{
		fg:    parseHexColor(site.ThemeColor, color.RGBA{R: 0x0f, G: 0x76, B: 0x6e, A: 0xff}),
		bg:    parseHexColor(site.BackgroundColor, color.RGBA{R: 0x11, G: 0x18, B: 0x27, A: 0xff}),
		cache: make(map[int][]byte),
	}
}

// JPEG returns the encoded icon of width px.
func (i *Icons) JPEG(px int) ([]byte, error) {
	if !slices.Contains(slices.Collect(maps.Values(validSizes)), px) {
		return nil, errors.Newf("invalid icon width %d", px).
			Component("pwa").
			Category(errors.CategoryValidation).
			Build()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if b, ok := i.cache[px]; ok {
		return b, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, px, px))
	inset := px / 5
	for y := range px {
		for x := range px {
			c := i.bg
			if x >= inset && x < px-inset && y >= inset && y < px-inset {
				c = i.fg
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: iconQuality}); err != nil {
		return nil, errors.Newf("encode icon: %w", err).Component("pwa").Build()
	}
	i.cache[px] = buf.Bytes()
	return i.cache[px], nil
}

func parseHexColor(s string, fallback color.RGBA) color.RGBA {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return fallback
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return fallback
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
