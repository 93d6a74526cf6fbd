// Package signals carries worker lifecycle and platform events to pages and
// external sinks.
package signals

import "time"

// Name identifies a page-facing signal.
type Name string

// Worker lifecycle signals.
const (
	// UpdateWaiting: a new generation installed while an older one still
	// controls pages.
	UpdateWaiting Name = "update-waiting"
	// OfflineReady: the first generation finished installing and activated.
	OfflineReady Name = "offline-ready"
	// ControllerChange: a new generation took control. Pages reload once.
	ControllerChange Name = "controller-change"
	// InstallFailed: a manifest fetch or cache write failed during install.
	InstallFailed Name = "install-failed"
)

// Platform events reported by pages.
const (
	BeforeInstallPrompt Name = "beforeinstallprompt"
	AppInstalled        Name = "appinstalled"
)

// Valid reports whether n is a known signal.
func (n Name) Valid() bool {
	switch n {
	case UpdateWaiting, OfflineReady, ControllerChange, InstallFailed, BeforeInstallPrompt, AppInstalled:
		return true
	}
	return false
}

// Event is one published signal.
type Event struct {
	Name       Name              `json:"name"`
	Generation string            `json:"generation,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	ClientID   string            `json:"client_id,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(event *Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*Event) {}
