// Package offline implements the offline cache worker: a network-first caching
// proxy with an explicit install/activate lifecycle over versioned cache
// generations.
package offline

import (
	"github.com/tphakala/folio/internal/errors"
)

// State is a worker lifecycle state.
type State int

const (
	StateUnregistered State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

var stateNames = [...]string{
	StateUnregistered: "unregistered",
	StateInstalling:   "installing",
	StateInstalled:    "installed",
	StateActivating:   "activating",
	StateActivated:    "activated",
	StateRedundant:    "redundant",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return errors.Newf("unknown worker state %q", text).
		Component("offline").
		Category(errors.CategoryValidation).
		Build()
}

// Sentinel errors.
var (
	ErrInvalidTransition = errors.NewStd("invalid worker state transition")
	// ErrNoResponse means neither the network nor the cache produced a
	// response. HTTP surfaces it as 504.
	ErrNoResponse = errors.NewStd("no response available")
	// ErrNotActive is returned when a fetch reaches a worker that never
	// activated.
	ErrNotActive = errors.NewStd("worker is not active")
	// ErrOffline is returned by a Toggle network while offline.
	ErrOffline = errors.NewStd("network offline")
	// ErrNotRegistered is returned by Update before Register.
	ErrNotRegistered = errors.NewStd("no registration")
)

// transitionError reports an illegal transition, naming the expected state.
func transitionError(action string, expected, actual State) error {
	return errors.Newf("cannot %s: expected %s, got %s: %w", action, expected, actual, ErrInvalidTransition).
		Component("offline").
		Category(errors.CategoryState).
		Context("expected", expected.String()).
		Context("actual", actual.String()).
		Build()
}
