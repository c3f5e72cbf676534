// Package schedule runs periodic background work that can be stopped
// deterministically, and bounded polls that wait for a condition.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrExhausted is returned by Poll when every attempt ran without the
// condition becoming true.
var ErrExhausted = errors.New("poll attempts exhausted")

// Task is a periodic job started by Every.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every runs fn every interval until parent is cancelled or Stop is called.
// The first run happens one interval after the call. fn receives a context
// that is cancelled when the task stops.
func Every(parent context.Context, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for an in-flight run to return. No run
// starts after Stop returns. Safe to call more than once and on a nil Task.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the task has fully stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Poll calls fn up to attempts times, waiting interval between calls, until fn
// reports done or returns an error. attempts <= 0 polls until ctx ends.
// It returns ErrExhausted when attempts run out and ctx.Err() on cancellation.
func Poll(ctx context.Context, interval time.Duration, attempts int, fn func(ctx context.Context) (bool, error)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i := 0; attempts <= 0 || i < attempts; i++ {
		if i > 0 {
			timer.Reset(interval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrExhausted
}
