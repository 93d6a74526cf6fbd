package offline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
	"github.com/tphakala/folio/internal/signals"
)

// activationTimeout bounds an activation started by a client event rather
// than by a caller with its own deadline.
const activationTimeout = 30 * time.Second

// RegistrationStatus is a point-in-time view of a registration.
type RegistrationStatus struct {
	Registered bool          `json:"registered"`
	Installing *WorkerStatus `json:"installing,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Active     *WorkerStatus `json:"active,omitempty"`
	Clients    int           `json:"clients"`
}

// Registration holds the workers of the origin scope: at most one installing,
// one waiting and one active. Clients attached to the registration are
// controlled by the active worker. A newly installed worker waits while
// clients are controlled and takes over when the last one detaches or on
// SkipWaiting.
type Registration struct {
	opts *Options
	pub  signals.Publisher
	log  logger.Logger

	// updateMu serialises installs.
	updateMu sync.Mutex

	mu         sync.Mutex
	registered bool
	installing *Worker
	waiting    *Worker
	active     *Worker
	clients    map[string]struct{}
	activation sync.WaitGroup
}

// NewRegistration creates an empty registration. pub may be nil.
func NewRegistration(opts *Options, pub signals.Publisher) *Registration {
	o := opts.withDefaults()
	if pub == nil {
		pub = signals.Discard
	}
	return &Registration{
		opts:    o,
		pub:     pub,
		log:     o.Logger.Module("registration"),
		clients: make(map[string]struct{}),
	}
}

// Register installs script unless the same script is already installing,
// waiting or active. Re-registering an unchanged script is a no-op and
// returns the existing worker.
func (r *Registration) Register(ctx context.Context, script Script) (*Worker, error) {
	r.mu.Lock()
	r.registered = true
	r.mu.Unlock()
	return r.update(ctx, script)
}

// Update checks script against the newest worker and installs it when its
// digest changed.
func (r *Registration) Update(ctx context.Context, script Script) (*Worker, error) {
	r.mu.Lock()
	registered := r.registered
	r.mu.Unlock()
	if !registered {
		return nil, ErrNotRegistered
	}
	return r.update(ctx, script)
}

func (r *Registration) newest() *Worker {
	switch {
	case r.installing != nil:
		return r.installing
	case r.waiting != nil:
		return r.waiting
	default:
		return r.active
	}
}

func (r *Registration) update(ctx context.Context, script Script) (*Worker, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	if current := r.newest(); current != nil && current.Digest() == script.Digest() {
		r.mu.Unlock()
		r.log.Debug("script unchanged, skipping install", logger.String("generation", script.Generation))
		return current, nil
	}
	w := NewWorker(script, r.opts)
	r.installing = w
	r.mu.Unlock()

	err := w.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		r.pub.Publish(&signals.Event{
			Name:       signals.InstallFailed,
			Generation: w.Generation(),
			WorkerID:   w.ID(),
			Detail:     map[string]string{"error": err.Error()},
		})
		return nil, err
	}
	if r.waiting != nil {
		r.log.Info("replacing waiting worker", logger.String("replaced", r.waiting.Generation()))
		r.waiting.markRedundant(nil)
	}
	r.waiting = w

	if r.active == nil || len(r.clients) == 0 {
		err := r.activateWaitingLocked(ctx)
		return w, err
	}
	r.mu.Unlock()

	r.log.Info("worker waiting for controlled clients to close",
		logger.String("generation", w.Generation()),
		logger.Int("clients", r.clientCount()))
	r.pub.Publish(&signals.Event{
		Name:       signals.UpdateWaiting,
		Generation: w.Generation(),
		WorkerID:   w.ID(),
	})
	return w, nil
}

// activateWaitingLocked promotes the waiting worker. It is called with r.mu
// held and releases it. The worker is already activating when it becomes
// r.active, so fetches queue on it instead of reaching the retired worker.
func (r *Registration) activateWaitingLocked(ctx context.Context) error {
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	if err := w.beginActivation(); err != nil {
		r.mu.Unlock()
		return err
	}
	previous := r.active
	r.waiting = nil
	r.active = w
	r.activation.Add(1)
	r.mu.Unlock()
	defer r.activation.Done()

	if previous != nil {
		previous.markRedundant(nil)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activationTimeout)
	defer cancel()
	err := w.finishActivation(ctx)

	name := signals.OfflineReady
	if previous != nil {
		name = signals.ControllerChange
	}
	r.pub.Publish(&signals.Event{
		Name:       name,
		Generation: w.Generation(),
		WorkerID:   w.ID(),
	})
	return err
}

// SkipWaiting activates the waiting worker now, taking control of every
// attached client. It is a no-op without a waiting worker.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	if r.waiting == nil {
		r.mu.Unlock()
		return nil
	}
	r.log.Info("skip waiting requested", logger.String("generation", r.waiting.Generation()))
	return r.activateWaitingLocked(ctx)
}

// ClientAttached records a controlled client.
func (r *Registration) ClientAttached(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = struct{}{}
}

// ClientDetached forgets a client. When the last one leaves, a waiting worker
// activates.
func (r *Registration) ClientDetached(clientID string) {
	r.mu.Lock()
	if _, ok := r.clients[clientID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, clientID)
	if len(r.clients) > 0 || r.waiting == nil {
		r.mu.Unlock()
		return
	}
	if err := r.activateWaitingLocked(context.Background()); err != nil {
		r.log.Warn("activation after last client closed failed", logger.Error(err))
	}
}

func (r *Registration) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Active returns the controlling worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Status returns a snapshot of the registration.
func (r *Registration) Status() RegistrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RegistrationStatus{Registered: r.registered, Clients: len(r.clients)}
	if r.installing != nil {
		s := r.installing.Status()
		st.Installing = &s
	}
	if r.waiting != nil {
		s := r.waiting.Status()
		st.Waiting = &s
	}
	if r.active != nil {
		s := r.active.Status()
		st.Active = &s
	}
	return st
}

// HandleFetch routes req to the active worker, or straight to the network
// when nothing controls the scope.
func (r *Registration) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w := r.Active(); w != nil {
		resp, err := w.HandleFetch(ctx, req)
		if !errors.Is(err, ErrNotActive) {
			return resp, err
		}
	}
	return passthrough(ctx, r.opts.Network, r.opts.Metrics, req)
}

// Unregister retires every worker. Cache generations are left in storage;
// the next registration's activation removes stale ones.
func (r *Registration) Unregister(_ context.Context) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	workers := []*Worker{r.waiting, r.active}
	r.registered = false
	r.waiting = nil
	r.active = nil
	r.mu.Unlock()

	for _, w := range workers {
		if w != nil {
			w.markRedundant(nil)
		}
	}
	r.log.Info("registration removed")
}

// Wait blocks until running activations and background cache writes finish.
func (r *Registration) Wait() {
	r.activation.Wait()
	r.opts.Tasks.Wait()
}

// Options returns the shared worker options.
func (r *Registration) Options() *Options {
	return r.opts
}
