package offline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/folio/internal/errors"
)

type ctxKey struct{}

func TestTaskGroup_OutlivesCaller(t *testing.T) {
	t.Parallel()

	g := NewTaskGroup(time.Second, nil)
	parent, cancel := context.WithCancel(context.WithValue(t.Context(), ctxKey{}, "req-42"))

	started := make(chan struct{})
	release := make(chan struct{})
	var (
		mu      sync.Mutex
		sawErr  error
		sawVal  any
		results []error
	)
	g.Go(parent, "cache-put", func(ctx context.Context) error {
		close(started)
		<-release
		mu.Lock()
		defer mu.Unlock()
		sawErr = ctx.Err()
		sawVal = ctx.Value(ctxKey{})
		return nil
	}, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, err)
	})

	<-started
	cancel()
	close(release)
	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, sawErr, "caller cancellation does not reach the task")
	assert.Equal(t, "req-42", sawVal)
	assert.Equal(t, []error{nil}, results)
}

func TestTaskGroup_Timeout(t *testing.T) {
	t.Parallel()

	g := NewTaskGroup(10*time.Millisecond, nil)
	done := make(chan error, 1)
	g.Go(t.Context(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { done <- err })
	g.Wait()

	require.ErrorIs(t, <-done, context.DeadlineExceeded)
}

func TestTaskGroup_RecoversPanics(t *testing.T) {
	t.Parallel()

	g := NewTaskGroup(0, nil)
	done := make(chan error, 2)
	g.Go(t.Context(), "boom", func(context.Context) error { panic("storage driver bug") }, func(err error) { done <- err })
	g.Go(t.Context(), "fails", func(context.Context) error { return errors.NewStd("disk full") }, func(err error) { done <- err })
	g.Wait()

	var msgs []string
	for range 2 {
		msgs = append(msgs, (<-done).Error())
	}
	assert.ElementsMatch(t, []string{"task boom panicked: storage driver bug", "disk full"}, msgs)
}
