package broker

import (
	"context"
	stderrors "errors"
	"sync"
)

// Future completes when a frame has been sent or has failed for good.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already complete with err.
func CompletedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed on completion.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the send error once complete, nil before that.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the send completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every future and joins their errors.
func WaitAll(ctx context.Context, futures ...*Future) error {
	var errs []error
	for _, f := range futures {
		if f == nil {
			continue
		}
		if err := f.Wait(ctx); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return stderrors.Join(errs...)
}
