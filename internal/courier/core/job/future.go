package job

import (
	"context"
	"sync"
)

// future settles once with an optional error.
type future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// settle reports whether this call was the one that settled the future.
// before, if set, runs ahead of releasing waiters.
func (f *future) settle(err error, before func()) bool {
	settled := false
	f.once.Do(func() {
		if before != nil {
			before()
		}
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
