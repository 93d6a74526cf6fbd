package signals

import (
	"fmt"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/folio/internal/errors"
	"github.com/tphakala/folio/internal/logger"
)

// Sender delivers a message to every configured service.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// Notifier forwards install failures to shoutrrr services (ntfy, gotify,
// email and so on). Other signals are ignored.
type Notifier struct {
	sender   Sender
	site     string
	log      logger.Logger
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // generation -> last notification
	now      func() time.Time
}

// NewNotifier builds a notifier for shoutrrr service URLs.
func NewNotifier(urls []string, site string, log logger.Logger) (*Notifier, error) {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Newf("invalid notification url: %w", err).
			Component("signals").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return NewNotifierWithSender(sender, site, log), nil
}

// NewNotifierWithSender wraps an existing sender.
func NewNotifierWithSender(sender Sender, site string, log logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &Notifier{
		sender:   sender,
		site:     site,
		log:      log.Module("notify"),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithCooldown suppresses repeat notifications for the same generation
// within d. Zero disables suppression.
func (n *Notifier) WithCooldown(d time.Duration) *Notifier {
	n.cooldown = d
	return n
}

// allow records a send for generation unless it is still cooling down.
func (n *Notifier) allow(generation string) bool {
	if n.cooldown <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[generation]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[generation] = now
	return true
}

// Handle sends a notification for install-failed events. It is a bus Handler.
func (n *Notifier) Handle(event *Event) {
	if event.Name != InstallFailed {
		return
	}
	if !n.allow(event.Generation) {
		n.log.Debug("install failure notification suppressed",
			logger.String("generation", event.Generation),
			logger.Duration("cooldown", n.cooldown))
		return
	}
	title := fmt.Sprintf("%s: offline cache install failed", n.site)
	message := fmt.Sprintf("Generation %s could not be installed", event.Generation)
	if reason := event.Detail["error"]; reason != "" {
		message += ": " + reason
	}

	params := types.Params{}
	params.SetTitle(title)
	for _, err := range n.sender.Send(message, &params) {
		if err != nil {
			n.log.Warn("failed to send notification",
				logger.String("generation", event.Generation),
				logger.Error(err))
		}
	}
}
