// Package feed binds named feeds of a session to the stream they travel on.
//
// On the writing side a DataOutput hands out one DataFeedOutput per feed
// name, created on first use and memoized for the life of the session. Writes
// are validated against the feed's format, then queued on the session's
// ordered frame writer. On the reading side a DataInput routes received
// batches to the feeds a reader bound, buffers them for window queries and
// notifies handlers. Samples and events follow the same shape.
package feed

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/telemetryrelay/errors"
)

// Binder memoizes one value per feed name. The first Bind of a name creates
// the value; concurrent and later calls get the same one.
type Binder[T any] struct {
	create func(name string) (T, error)

	mu          sync.Mutex
	feeds       map[string]T
	invalidated bool
}

// NewBinder creates a binder that builds values with create.
func NewBinder[T any](create func(name string) (T, error)) *Binder[T] {
	return &Binder[T]{create: create, feeds: make(map[string]T)}
}

// Bind returns the value bound to name, creating it if needed.
func (b *Binder[T]) Bind(name string) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.invalidated {
		return zero, errors.WrapInvalid(fmt.Errorf("%w: feed %q bound after session end", errors.ErrSessionTerminated, name),
			"Binder", "Bind", "check binder")
	}
	if v, ok := b.feeds[name]; ok {
		return v, nil
	}
	v, err := b.create(name)
	if err != nil {
		return zero, err
	}
	b.feeds[name] = v
	return v, nil
}

// Lookup returns the value bound to name without creating one.
func (b *Binder[T]) Lookup(name string) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.feeds[name]
	if !ok || b.invalidated {
		var zero T
		return zero, errors.WrapInvalid(fmt.Errorf("%w: %q is not bound", errors.ErrFeedNotFound, name),
			"Binder", "Lookup", "find feed")
	}
	return v, nil
}

// Names returns the bound feed names, sorted.
func (b *Binder[T]) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.feeds))
	for name := range b.feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalidate drops every binding and rejects new ones.
func (b *Binder[T]) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidated = true
	clear(b.feeds)
}
