// Package observer provides ordered observer lists with cancellable
// registrations.
//
//	var changed observer.List[session.State]
//	cancel := changed.Add(func(ctx context.Context, s session.State) error {
//	    return nil
//	})
//	defer cancel()
//	err := changed.Notify(ctx, session.Open)
//
// Observers run synchronously on the notifying goroutine, in registration
// order. Notify keeps going after an observer fails and returns every error
// joined.
package observer

import (
	"context"
	"errors"
	"sync"
)

// Func observes values of type T.
type Func[T any] func(ctx context.Context, v T) error

// List is a set of observers. The zero value is ready to use.
type List[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn Func[T]
}

// Add registers fn and returns a function removing it. The returned function
// is idempotent.
func (l *List[T]) Add(fn Func[T]) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Notify calls every observer registered when Notify starts. Observers added
// or removed during the call take effect from the next Notify.
func (l *List[T]) Notify(ctx context.Context, v T) error {
	l.mu.Lock()
	snapshot := l.entries
	l.mu.Unlock()

	var errs []error
	for _, e := range snapshot {
		if err := e.fn(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered observers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes every observer.
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
