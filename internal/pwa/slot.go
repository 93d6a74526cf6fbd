// Package pwa holds the page-side pieces of the offline worker: the deferred
// install prompt, the rendered worker script and the web-app files it
// pre-caches.
package pwa

import "sync"

// Slot holds at most one value. The zero value is empty and ready to use.
type Slot[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
}

// Get returns the held value and whether there is one.
func (s *Slot[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}

// Set stores v, replacing any held value. It reports whether a value was
// replaced.
func (s *Slot[T]) Set(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := s.set
	s.value = v
	s.set = true
	return replaced
}

// Clear empties the slot.
func (s *Slot[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.value = zero
	s.set = false
}

// Take returns the held value and empties the slot in one step, so only one
// caller can consume it.
func (s *Slot[T]) Take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.value, s.set
	var zero T
	s.value = zero
	s.set = false
	return v, ok
}
