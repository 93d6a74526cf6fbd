package offline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tphakala/folio/internal/errors"
)

// Network performs live fetches. A returned error means the fetch failed
// outright (offline, DNS, timeout); any HTTP status is a successful fetch.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// NewHTTPClient returns a client that never follows redirects, so 3xx
// responses reach the page as they would from the origin.
func NewHTTPClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// HTTPNetwork sends requests over HTTP. Same-origin requests go through the
// local round tripper when one is set, so a site served by this process is
// reached without a socket; everything else goes through client.
type HTTPNetwork struct {
	client *http.Client
	local  *http.Client
	origin *url.URL
}

// NewHTTPNetwork creates a network. local may be nil.
func NewHTTPNetwork(client *http.Client, origin *url.URL, local http.RoundTripper) *HTTPNetwork {
	if client == nil {
		client = NewHTTPClient(nil, 0)
	}
	n := &HTTPNetwork{client: client, local: client, origin: origin}
	if local != nil {
		n.local = NewHTTPClient(local, client.Timeout)
	}
	return n
}

// Fetch performs req against its resolved target.
func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	target := ResolveURL(n.origin, req)
	client := n.client
	if SameOrigin(n.origin, target) {
		client = n.local
	}

	out := req.Clone(ctx)
	out.URL = target
	out.Host = ""
	out.RequestURI = ""
	removeHopHeaders(out.Header)

	resp, err := client.Do(out)
	if err != nil {
		return nil, errors.Newf("fetch %s: %w", target.Redacted(), err).
			Component("offline").
			Category(errors.CategoryNetwork).
			Build()
	}
	removeHopHeaders(resp.Header)
	return resp, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders strips connection-scoped headers, including any named in
// Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// HandlerTransport serves round trips from an in-process handler. It lets the
// worker front a site served by the same binary.
type HandlerTransport struct {
	Handler http.Handler
}

// RoundTrip runs the handler and buffers its response.
func (t *HandlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	sreq := req.Clone(req.Context())
	sreq.RequestURI = req.URL.RequestURI()
	sreq.Host = req.URL.Host
	if sreq.RemoteAddr == "" {
		sreq.RemoteAddr = "127.0.0.1:0"
	}
	if sreq.Body == nil {
		sreq.Body = http.NoBody
	}

	rw := &bufferedResponse{header: http.Header{}}
	t.Handler.ServeHTTP(rw, sreq)
	if !rw.wrote {
		rw.WriteHeader(http.StatusOK)
	}

	body := rw.body.Bytes()
	if req.Method == http.MethodHead {
		body = nil
	}
	return &http.Response{
		Status:        strconv.Itoa(rw.status) + " " + http.StatusText(rw.status),
		StatusCode:    rw.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rw.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// bufferedResponse is the ResponseWriter behind HandlerTransport.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wrote {
		return
	}
	b.status = code
	b.wrote = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if !b.wrote {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

// Flush is a no-op; the whole response is buffered.
func (b *bufferedResponse) Flush() {}

// Toggle wraps a Network with a switch that simulates losing connectivity.
type Toggle struct {
	next    Network
	offline atomic.Bool
}

// NewToggle wraps next, initially online.
func NewToggle(next Network) *Toggle {
	return &Toggle{next: next}
}

// SetOffline switches simulated connectivity.
func (t *Toggle) SetOffline(offline bool) {
	t.offline.Store(offline)
}

// Offline reports whether the network is switched off.
func (t *Toggle) Offline() bool {
	return t.offline.Load()
}

// Fetch fails with ErrOffline while switched off.
func (t *Toggle) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return nil, ErrOffline
	}
	return t.next.Fetch(ctx, req)
}
