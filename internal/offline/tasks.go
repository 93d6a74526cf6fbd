package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/folio/internal/logger"
)

// defaultTaskTimeout bounds a detached task when none is configured.
const defaultTaskTimeout = 5 * time.Second

// TaskGroup runs fire-and-forget work detached from the caller's lifetime.
// A task keeps the caller's context values but not its cancellation, and is
// bounded by its own timeout. Errors and panics are logged, never returned.
type TaskGroup struct {
	wg      sync.WaitGroup
	timeout time.Duration
	log     logger.Logger
}

// NewTaskGroup creates a group whose tasks time out after timeout.
func NewTaskGroup(timeout time.Duration, log logger.Logger) *TaskGroup {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskGroup{timeout: timeout, log: log}
}

// Go starts fn in the background. onDone, when set, receives fn's result.
func (g *TaskGroup) Go(parent context.Context, name string, fn func(ctx context.Context) error, onDone func(err error)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.timeout)
	g.wg.Go(func() {
		defer cancel()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
			if err != nil {
				g.log.Warn("background task failed", logger.String("task", name), logger.Error(err))
			}
			if onDone != nil {
				onDone(err)
			}
		}()
		err = fn(ctx)
	})
}

// Wait blocks until every started task has finished.
func (g *TaskGroup) Wait() {
	g.wg.Wait()
}
