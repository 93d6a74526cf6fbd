package offline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/folio/internal/datastore/entities"
	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/observability/metrics"
)

// SourceHeader tells the page where a response came from.
const SourceHeader = "X-Folio-Source"

const (
	defaultMaxEntryBytes      = 10 << 20
	defaultInstallConcurrency = 4
	maxPrecacheRedirects      = 5
)

// Options holds the collaborators every worker of a registration shares.
type Options struct {
	Origin  *url.URL
	Storage repository.CacheStorage
	Network Network
	// Tasks runs detached cache writes. Created on demand when nil.
	Tasks   *TaskGroup
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// MaxEntryBytes caps a stored body. Larger responses stream through
	// uncached, and fail install when listed in the manifest.
	MaxEntryBytes      int64
	InstallConcurrency int
}

func (o *Options) withDefaults() *Options {
	c := *o
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Tasks == nil {
		c.Tasks = NewTaskGroup(0, c.Logger)
	}
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = defaultMaxEntryBytes
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = defaultInstallConcurrency
	}
	return &c
}

// WorkerStatus is a point-in-time view of a worker.
type WorkerStatus struct {
	ID          string     `json:"id"`
	Generation  string     `json:"generation"`
	Digest      string     `json:"digest"`
	State       State      `json:"state"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Worker is one script version moving through the lifecycle. It owns exactly
// one cache generation, named by its script.
type Worker struct {
	id     string
	script Script
	digest string
	opts   *Options
	log    logger.Logger

	mu          sync.RWMutex
	state       State
	controlled  bool
	installedAt time.Time
	activatedAt time.Time
	lastErr     error

	// ready is closed once the worker leaves the activating state.
	ready     chan struct{}
	readyOnce sync.Once
}

// NewWorker creates an unregistered worker for script.
func NewWorker(script Script, opts *Options) *Worker {
	o := opts.withDefaults()
	script = script.Clone()
	id := uuid.NewString()
	return &Worker{
		id:     id,
		script: script,
		digest: script.Digest(),
		opts:   o,
		log: o.Logger.Module("offline").With(
			logger.String("worker_id", id),
			logger.String("generation", script.Generation)),
		ready: make(chan struct{}),
	}
}

func (w *Worker) ID() string         { return w.id }
func (w *Worker) Script() Script     { return w.script.Clone() }
func (w *Worker) Digest() string     { return w.digest }
func (w *Worker) Generation() string { return w.script.Generation }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status returns a snapshot for the admin API.
func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := WorkerStatus{
		ID:         w.id,
		Generation: w.script.Generation,
		Digest:     w.digest,
		State:      w.state,
	}
	if !w.installedAt.IsZero() {
		t := w.installedAt
		st.InstalledAt = &t
	}
	if !w.activatedAt.IsZero() {
		t := w.activatedAt
		st.ActivatedAt = &t
	}
	if w.lastErr != nil {
		st.Error = w.lastErr.Error()
	}
	return st
}

func (w *Worker) transition(action string, from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return transitionError(action, from, w.state)
	}
	w.state = to
	return nil
}

// markRedundant retires the worker. In-flight fetches finish normally.
func (w *Worker) markRedundant(cause error) {
	w.mu.Lock()
	w.state = StateRedundant
	if cause != nil {
		w.lastErr = cause
	}
	w.mu.Unlock()
	w.readyOnce.Do(func() { close(w.ready) })
}

// Install pre-caches the static manifest into the worker's generation. Every
// manifest URL must fetch with a 2xx before anything is written, and the
// entries are stored in one batch. On failure no entry from the attempt
// remains, a generation created by the attempt is removed and the worker
// becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition("install", StateUnregistered, StateInstalling); err != nil {
		return err
	}
	start := time.Now()
	w.log.Info("installing worker", logger.Int("manifest_size", len(w.script.Manifest)))

	entries, err := w.precache(ctx)
	if err == nil {
		err = w.commit(ctx, entries)
	}
	if err != nil {
		err = errors.Newf("install %s failed: %w", w.script.Generation, err).
			Component("offline").
			Category(errors.CategoryOf(err)).
			Context("generation", w.script.Generation).
			Build()
		w.markRedundant(err)
		w.opts.Metrics.RecordInstall(metrics.ResultError, time.Since(start).Seconds())
		w.log.Warn("worker install failed", logger.Error(err))
		return err
	}

	w.mu.Lock()
	w.state = StateInstalled
	w.installedAt = time.Now()
	w.mu.Unlock()

	w.opts.Metrics.RecordInstall(metrics.ResultSuccess, time.Since(start).Seconds())
	w.log.Info("worker installed",
		logger.Int("entries", len(entries)),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// manifestURLs resolves the manifest against the origin, dropping duplicates.
func (w *Worker) manifestURLs() ([]*url.URL, error) {
	seen := make(map[string]struct{}, len(w.script.Manifest))
	urls := make([]*url.URL, 0, len(w.script.Manifest))
	for _, raw := range w.script.Manifest {
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, errors.Newf("invalid manifest url %q: %w", raw, err).
				Component("offline").
				Category(errors.CategoryValidation).
				Build()
		}
		u := w.opts.Origin.ResolveReference(ref)
		if !SameOrigin(w.opts.Origin, u) {
			return nil, errors.Newf("manifest url %q is not same-origin", raw).
				Component("offline").
				Category(errors.CategoryValidation).
				Build()
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		urls = append(urls, u)
	}
	return urls, nil
}

// precache fetches every manifest URL concurrently. The first failure
// cancels the rest.
func (w *Worker) precache(ctx context.Context) ([]entities.CacheEntry, error) {
	urls, err := w.manifestURLs()
	if err != nil {
		return nil, err
	}

	entries := make([]entities.CacheEntry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.InstallConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			entry, err := w.fetchManifestEntry(gctx, u)
			if err != nil {
				return err
			}
			entries[i] = *entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// fetchManifestEntry fetches one manifest URL and stores the final response
// under it, following same-origin redirects.
func (w *Worker) fetchManifestEntry(ctx context.Context, u *url.URL) (*entities.CacheEntry, error) {
	resp, err := w.fetchFollowing(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf("GET %s: unexpected status %d", u.Path, resp.StatusCode).
			Category(errors.CategoryNetwork).
			Context("status", resp.StatusCode).
			Build()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxEntryBytes+1))
	if err != nil {
		return nil, errors.Newf("GET %s: read body: %w", u.Path, err).Category(errors.CategoryNetwork).Build()
	}
	if int64(len(body)) > w.opts.MaxEntryBytes {
		return nil, errors.Newf("GET %s: body exceeds %d bytes", u.Path, w.opts.MaxEntryBytes).
			Category(errors.CategoryLimit).
			Build()
	}
	return newEntry(http.MethodGet, u, resp, body)
}

// fetchFollowing GETs u, following up to maxPrecacheRedirects same-origin
// redirects. The network client itself never follows them.
func (w *Worker) fetchFollowing(ctx context.Context, u *url.URL) (*http.Response, error) {
	target := u
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
		if err != nil {
			return nil, err
		}
		resp, err := w.opts.Network.Fetch(ctx, req)
		if err != nil {
			return nil, errors.Newf("GET %s: %w", u.Path, err).Category(errors.CategoryNetwork).Build()
		}
		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()

		if hop == maxPrecacheRedirects {
			return nil, errors.Newf("GET %s: stopped after %d redirects", u.Path, maxPrecacheRedirects).
				Category(errors.CategoryNetwork).
				Build()
		}
		ref, err := url.Parse(location)
		if err != nil {
			return nil, errors.Newf("GET %s: invalid redirect %q: %w", u.Path, location, err).
				Category(errors.CategoryNetwork).
				Build()
		}
		next := target.ResolveReference(ref)
		if !SameOrigin(w.opts.Origin, next) {
			return nil, errors.Newf("GET %s: redirect leaves the origin", u.Path).
				Category(errors.CategoryNetwork).
				Context("location", next.Redacted()).
				Build()
		}
		target = next
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// commit stores the pre-cached entries atomically.
func (w *Worker) commit(ctx context.Context, entries []entities.CacheEntry) error {
	gen := w.script.Generation
	created, err := w.opts.Storage.Open(ctx, gen)
	if err != nil {
		return errors.New(err).Category(errors.CategoryStorage).Build()
	}
	if err := w.opts.Storage.PutAll(ctx, gen, entries); err != nil {
		if created {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTaskTimeout)
			defer cancel()
			if _, derr := w.opts.Storage.Delete(cleanupCtx, gen); derr != nil {
				w.log.Warn("failed to remove generation after failed install", logger.Error(derr))
			}
		}
		return errors.New(err).Category(errors.CategoryStorage).Build()
	}
	return nil
}

// Activate deletes every cache generation other than the worker's own, then
// starts serving. Fetches routed here meanwhile wait for it to finish. A
// failed delete is reported but does not block activation.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.beginActivation(); err != nil {
		return err
	}
	return w.finishActivation(ctx)
}

// beginActivation moves an installed worker to activating. From here on
// fetches routed to the worker wait for finishActivation.
func (w *Worker) beginActivation() error {
	return w.transition("activate", StateInstalled, StateActivating)
}

func (w *Worker) finishActivation(ctx context.Context) error {
	gen := w.script.Generation
	var errs []error

	if _, err := w.opts.Storage.Open(ctx, gen); err != nil {
		errs = append(errs, err)
	}

	remaining := 0
	names, err := w.opts.Storage.Names(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range names {
		if name == gen {
			remaining++
			continue
		}
		if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
			remaining++
			errs = append(errs, err)
			continue
		}
		w.log.Info("deleted stale cache generation", logger.String("stale", name))
	}

	var activateErr error
	if len(errs) > 0 {
		activateErr = errors.Newf("activate %s: %w", gen, errors.Join(errs...)).
			Component("offline").
			Category(errors.CategoryStorage).
			Context("generation", gen).
			Build()
		w.log.Warn("activation finished with errors", logger.Error(activateErr))
	}

	w.mu.Lock()
	if w.state == StateActivating {
		w.state = StateActivated
		w.controlled = true
		w.activatedAt = time.Now()
	}
	w.lastErr = activateErr
	w.mu.Unlock()
	w.readyOnce.Do(func() { close(w.ready) })

	w.opts.Metrics.RecordActivation(remaining)
	w.log.Info("worker activated")
	return activateErr
}

// awaitActive blocks while the worker is activating. A worker that never
// activated cannot serve fetches; a retired one still finishes them.
func (w *Worker) awaitActive(ctx context.Context) error {
	w.mu.RLock()
	state := w.state
	w.mu.RUnlock()

	if state == StateActivating {
		select {
		case <-w.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.controlled {
		return nil
	}
	return ErrNotActive
}

// HandleFetch serves req network-first. Cross-origin requests pass through
// untouched. A successful same-origin GET is snapshotted into the cache in
// the background; when the network fails the cache answers, then the offline
// page for navigations. Storage errors count as misses. ErrNoResponse means
// nothing could answer.
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := w.awaitActive(ctx); err != nil {
		return nil, err
	}

	target := ResolveURL(w.opts.Origin, req)
	if !SameOrigin(w.opts.Origin, target) {
		return passthrough(ctx, w.opts.Network, w.opts.Metrics, req)
	}

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err == nil && req.Method == http.MethodGet {
		resp, err = w.snapshot(ctx, req, target, resp)
	}
	if err == nil {
		setSource(resp, metrics.SourceNetwork)
		w.opts.Metrics.RecordFetch(metrics.SourceNetwork)
		return resp, nil
	}

	w.log.Debug("network fetch failed, falling back to cache",
		logger.String("url", target.Redacted()),
		logger.Error(err))
	return w.fallback(ctx, req, target)
}

// snapshot buffers a cacheable response and schedules the cache write. A body
// over the size cap streams through uncached.
func (w *Worker) snapshot(ctx context.Context, req *http.Request, target *url.URL, resp *http.Response) (*http.Response, error) {
	if !cacheable(req, resp) {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxEntryBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, errors.Newf("read body: %w", err).Category(errors.CategoryNetwork).Build()
	}
	if int64(len(body)) > w.opts.MaxEntryBytes {
		resp.Body = &multiReadCloser{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), closer: resp.Body}
		w.opts.Metrics.RecordCacheWrite(metrics.ResultSkipped)
		return resp, nil
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	entry, err := newEntry(http.MethodGet, target, resp, body)
	if err != nil {
		w.log.Warn("failed to snapshot response", logger.Error(err))
		return resp, nil
	}

	gen := w.script.Generation
	storage := w.opts.Storage
	m := w.opts.Metrics
	w.opts.Tasks.Go(ctx, "cache-put", func(ctx context.Context) error {
		return storage.Put(ctx, gen, entry)
	}, func(err error) {
		if err != nil {
			m.RecordCacheWrite(metrics.ResultError)
			return
		}
		m.RecordCacheWrite(metrics.ResultSuccess)
	})
	return resp, nil
}

func (w *Worker) fallback(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, error) {
	gen := w.script.Generation

	if req.Method == http.MethodGet {
		if resp := w.match(ctx, gen, CacheKey(http.MethodGet, target), req); resp != nil {
			setSource(resp, metrics.SourceCache)
			w.opts.Metrics.RecordFetch(metrics.SourceCache)
			return resp, nil
		}
	}

	if IsNavigation(req) && w.script.OfflinePage != "" {
		if ref, err := url.Parse(w.script.OfflinePage); err == nil {
			page := w.opts.Origin.ResolveReference(ref)
			if resp := w.match(ctx, gen, CacheKey(http.MethodGet, page), req); resp != nil {
				setSource(resp, metrics.SourceOfflinePage)
				w.opts.Metrics.RecordFetch(metrics.SourceOfflinePage)
				return resp, nil
			}
		}
	}

	w.opts.Metrics.RecordFetch(metrics.SourceMiss)
	return nil, ErrNoResponse
}

// match looks key up, treating every storage error as a miss.
func (w *Worker) match(ctx context.Context, gen, key string, req *http.Request) *http.Response {
	entry, err := w.opts.Storage.Match(ctx, gen, key)
	if err != nil {
		if !errors.Is(err, repository.ErrEntryNotFound) && !errors.Is(err, repository.ErrGenerationNotFound) {
			w.log.Warn("cache lookup failed", logger.String("key", key), logger.Error(err))
		}
		return nil
	}
	return responseFromEntry(entry, req)
}

// passthrough fetches a request the worker does not cache.
func passthrough(ctx context.Context, network Network, m *metrics.Metrics, req *http.Request) (*http.Response, error) {
	resp, err := network.Fetch(ctx, req)
	if err != nil {
		m.RecordFetch(metrics.SourceMiss)
		return nil, errors.Newf("%w: %w", ErrNoResponse, err).
			Component("offline").
			Category(errors.CategoryNetwork).
			Build()
	}
	setSource(resp, metrics.SourcePassthrough)
	m.RecordFetch(metrics.SourcePassthrough)
	return resp, nil
}

// cacheable reports whether a live response may be stored. One generation
// serves every visitor, so authorized requests and responses marked private
// or no-store stay out. Partial content and Vary: * can never be matched back
// to a plain request.
func cacheable(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if req != nil && req.Header.Get("Authorization") != "" {
		return false
	}
	if hasCacheDirective(resp.Header, "private", "no-store") {
		return false
	}
	return resp.Header.Get("Vary") != "*"
}

// hasCacheDirective reports whether Cache-Control carries any of directives.
func hasCacheDirective(h http.Header, directives ...string) bool {
	for _, value := range h.Values("Cache-Control") {
		for part := range strings.SplitSeq(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			for _, d := range directives {
				if strings.EqualFold(name, d) {
					return true
				}
			}
		}
	}
	return false
}

func newEntry(method string, u *url.URL, resp *http.Response, body []byte) (*entities.CacheEntry, error) {
	entry := &entities.CacheEntry{
		Key:      CacheKey(method, u),
		Method:   method,
		URL:      u.String(),
		Status:   resp.StatusCode,
		Body:     body,
		StoredAt: time.Now(),
	}
	h := resp.Header.Clone()
	h.Del(SourceHeader)
	h.Del("Content-Length")
	h.Del("Set-Cookie")
	if err := entry.SetHTTPHeader(h); err != nil {
		return nil, err
	}
	return entry, nil
}

func responseFromEntry(entry *entities.CacheEntry, req *http.Request) *http.Response {
	h := entry.HTTPHeader()
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	return &http.Response{
		Status:        strconv.Itoa(entry.Status) + " " + http.StatusText(entry.Status),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

func setSource(resp *http.Response, source string) {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(SourceHeader, source)
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
