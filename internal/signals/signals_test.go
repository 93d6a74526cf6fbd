package signals

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestName_Valid(t *testing.T) {
	t.Parallel()

	for _, n := range []Name{UpdateWaiting, OfflineReady, ControllerChange, InstallFailed, BeforeInstallPrompt, AppInstalled} {
		assert.True(t, n.Valid(), n)
	}
	assert.False(t, Name("reload").Valid())
}

func TestBus_DeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var mu sync.Mutex
	var got []Name
	bus.Subscribe(func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Name)
	})

	bus.Publish(&Event{Name: OfflineReady})
	bus.Publish(&Event{Name: UpdateWaiting})
	bus.Publish(nil)
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Name{OfflineReady, UpdateWaiting}, got)
}

func TestBus_SetsTimestamp(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	done := make(chan *Event, 1)
	bus.Subscribe(func(e *Event) { done <- e })

	bus.Publish(&Event{Name: ControllerChange})
	select {
	case e := <-done:
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	bus.Stop()
}

func TestBus_PanickingHandlerDoesNotStopBus(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var recovered []any
	var mu sync.Mutex
	bus.OnPanic(func(r any) {
		mu.Lock()
		defer mu.Unlock()
		recovered = append(recovered, r)
	})

	delivered := make(chan Name, 2)
	bus.Subscribe(func(*Event) { panic("boom") })
	bus.Subscribe(func(e *Event) { delivered <- e.Name })

	bus.Publish(&Event{Name: OfflineReady})
	bus.Publish(&Event{Name: InstallFailed})
	bus.Stop()

	assert.Len(t, delivered, 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"boom", "boom"}, recovered)
}

func TestBus_PublishAfterStopIsDropped(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	calls := 0
	bus.Subscribe(func(*Event) { calls++ })
	bus.Stop()
	bus.Stop()

	bus.Publish(&Event{Name: OfflineReady})
	assert.Zero(t, calls)
}

func TestHub_FanOut(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	a := hub.Subscribe("a")
	b := hub.Subscribe("b")
	assert.Equal(t, 2, hub.Clients())

	hub.Handle(&Event{Name: UpdateWaiting, Generation: "folio-v2"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case e := <-sub.C:
			assert.Equal(t, UpdateWaiting, e.Name)
			assert.Equal(t, "folio-v2", e.Generation)
		default:
			t.Fatalf("client %s got nothing", sub.ClientID)
		}
	}

	a.Close()
	a.Close()
	assert.Equal(t, 1, hub.Clients())
	_, open := <-a.C
	assert.False(t, open, "closed subscription channel is closed")

	hub.Close()
	_, open = <-b.C
	assert.False(t, open)
	assert.Zero(t, hub.Clients())
	b.Close()
}

func TestHub_SlowClientDropsEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	var dropped []string
	hub.OnDrop(func(clientID string) { dropped = append(dropped, clientID) })
	sub := hub.Subscribe("slow")
	defer sub.Close()

	for range clientBufferSize + 3 {
		hub.Handle(&Event{Name: ControllerChange})
	}
	assert.Len(t, sub.C, clientBufferSize)
	assert.Equal(t, []string{"slow", "slow", "slow"}, dropped)
}

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	titles   []string
	errs     []error
}

func (f *fakeSender) Send(message string, params *types.Params) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	title, _ := params.Title()
	f.titles = append(f.titles, title)
	return f.errs
}

func TestNotifier_OnlyInstallFailures(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{errs: []error{nil, errors.New("ntfy down")}}
	n := NewNotifierWithSender(sender, "folio", nil)

	n.Handle(&Event{Name: OfflineReady, Generation: "folio-v1"})
	n.Handle(&Event{Name: InstallFailed, Generation: "folio-v2", Detail: map[string]string{"error": "GET /icon-512.jpg: 404"}})

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "Generation folio-v2 could not be installed: GET /icon-512.jpg: 404", sender.messages[0])
	assert.Equal(t, "folio: offline cache install failed", sender.titles[0])
}

func TestNotifier_Cooldown(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	n := NewNotifierWithSender(sender, "folio", nil).WithCooldown(time.Minute)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	n.Handle(&Event{Name: InstallFailed, Generation: "folio-v2"})
	n.Handle(&Event{Name: InstallFailed, Generation: "folio-v2"})
	n.Handle(&Event{Name: InstallFailed, Generation: "folio-v3"})
	require.Len(t, sender.messages, 2, "repeat failure of folio-v2 is suppressed")

	now = now.Add(2 * time.Minute)
	n.Handle(&Event{Name: InstallFailed, Generation: "folio-v2"})
	assert.Len(t, sender.messages, 3)
}

func TestNewNotifier_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewNotifier([]string{"not-a-service://x"}, "folio", nil)
	require.Error(t, err)
}
