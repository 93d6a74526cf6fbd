package offline

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// ResolveURL returns the absolute URL req targets. Server requests carry a
// relative URL and resolve against origin; proxy-style requests keep their
// own scheme and host.
func ResolveURL(origin *url.URL, req *http.Request) *url.URL {
	if req.URL.IsAbs() && req.URL.Host != "" {
		u := *req.URL
		return &u
	}
	ref := &url.URL{Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery}
	if ref.Path == "" {
		ref.Path = "/"
	}
	return origin.ResolveReference(ref)
}

// SameOrigin reports whether u has the origin's scheme and host.
func SameOrigin(origin, u *url.URL) bool {
	return strings.EqualFold(origin.Scheme, u.Scheme) && strings.EqualFold(origin.Host, u.Host)
}

// IsNavigation reports whether req loads a full document. Browsers send
// Sec-Fetch-Mode; older clients fall back to a GET that accepts HTML.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if req.Method != http.MethodGet {
		return false
	}
	for part := range strings.SplitSeq(req.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && (mt == "text/html" || mt == "application/xhtml+xml") {
			return true
		}
	}
	return false
}

// CacheKey identifies a request in a generation: method and absolute URL.
// The fragment never reaches the network and is dropped.
func CacheKey(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return method + " " + c.String()
}
