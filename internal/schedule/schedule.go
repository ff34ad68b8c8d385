// Package schedule runs a function on a fixed cadence driven by a
// clockwork.Clock, so tests can move time with a fake clock.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task is a cancellable repeating task returned by Every.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every runs fn once immediately and then on every tick of interval until the
// returned Task is stopped. fn receives a context that is cancelled by Stop.
//
// Runs never overlap: ticks that fire while fn is still running are dropped.
func Every(clk clockwork.Clock, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{cancel: cancel, done: make(chan struct{})}

	// Register the ticker before the first run so a fake clock sees it as soon
	// as Every returns.
	ticker := clk.NewTicker(interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()

		if ctx.Err() != nil {
			return
		}
		fn(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	}()
	return t
}

// Stop cancels future runs and the context passed to fn. A run already in
// progress is not waited for; use Done for that. Stop is idempotent.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
}

// Done is closed once the task's loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Sleep waits for d on clk or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, clk clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
