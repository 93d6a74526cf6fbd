package pwa

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tphakala/folio/internal/errors"
)

// Prompt outcomes, as reported by the platform's userChoice.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDismissed = "dismissed"
)

// promptTTL bounds how long a deferred prompt is kept for a page that never
// reports back.
const promptTTL = time.Hour

// ErrNoPrompt is returned when a client has no deferred prompt.
var ErrNoPrompt = errors.NewStd("no deferred install prompt")

// Prompt is a deferred beforeinstallprompt event captured by a page.
type Prompt struct {
	ClientID   string    `json:"client_id"`
	Platforms  []string  `json:"platforms,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// PromptStore keeps one prompt slot per client. The UI layer owns each slot:
// it stores the prompt when the platform offers it and consumes it when the
// user accepts or dismisses the install.
type PromptStore struct {
	slots *gocache.Cache
}

// NewPromptStore creates an empty store. Expired slots are swept on Defer
// rather than by a janitor goroutine.
func NewPromptStore() *PromptStore {
	return &PromptStore{slots: gocache.New(promptTTL, 0)}
}

func (s *PromptStore) slot(clientID string) *Slot[Prompt] {
	if v, ok := s.slots.Get(clientID); ok {
		return v.(*Slot[Prompt])
	}
	slot := &Slot[Prompt]{}
	if err := s.slots.Add(clientID, slot, gocache.DefaultExpiration); err != nil {
		// lost a race with another Add for the same client
		if v, ok := s.slots.Get(clientID); ok {
			return v.(*Slot[Prompt])
		}
	}
	return slot
}

// Defer stores p for its client, replacing an older prompt.
func (s *PromptStore) Defer(p Prompt) {
	if p.CapturedAt.IsZero() {
		p.CapturedAt = time.Now()
	}
	s.slots.DeleteExpired()
	slot := s.slot(p.ClientID)
	slot.Set(p)
	s.slots.Set(p.ClientID, slot, gocache.DefaultExpiration)
}

// Get returns the client's deferred prompt without consuming it.
func (s *PromptStore) Get(clientID string) (Prompt, bool) {
	v, ok := s.slots.Get(clientID)
	if !ok {
		return Prompt{}, false
	}
	return v.(*Slot[Prompt]).Get()
}

// Resolve consumes the client's prompt with the user's outcome. A prompt can
// be resolved once.
func (s *PromptStore) Resolve(clientID, outcome string) (Prompt, error) {
	if outcome != OutcomeAccepted && outcome != OutcomeDismissed {
		return Prompt{}, errors.Newf("invalid outcome %q", outcome).
			Component("pwa").
			Category(errors.CategoryValidation).
			Build()
	}
	v, ok := s.slots.Get(clientID)
	if !ok {
		return Prompt{}, ErrNoPrompt
	}
	p, ok := v.(*Slot[Prompt]).Take()
	if !ok {
		return Prompt{}, ErrNoPrompt
	}
	s.slots.Delete(clientID)
	return p, nil
}

// Forget clears the client's slot, e.g. after appinstalled.
func (s *PromptStore) Forget(clientID string) {
	if v, ok := s.slots.Get(clientID); ok {
		v.(*Slot[Prompt]).Clear()
	}
	s.slots.Delete(clientID)
}

// Len returns the number of clients holding a slot.
func (s *PromptStore) Len() int {
	return s.slots.ItemCount()
}
