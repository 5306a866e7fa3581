package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/telemetryrelay/errors"
)

// circularBuffer is a thread-safe circular buffer with configurable overflow policies.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	opts     *settings[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *settings[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: capacity %d", errors.ErrInvalidConfig, capacity),
			"buffer", "NewCircularBuffer", "check capacity")
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    &Statistics{},
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteContext(context.Background(), item)
}

// WriteContext adds an item, waiting under the Block policy until space frees up or ctx is done.
func (cb *circularBuffer[T]) WriteContext(ctx context.Context, item T) error {
	dropped, hasDropped, err := cb.write(ctx, item)
	if hasDropped && cb.opts.onDrop != nil {
		cb.opts.onDrop(dropped)
	}
	return err
}

func (cb *circularBuffer[T]) write(ctx context.Context, item T) (dropped T, hasDropped bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		switch cb.opts.policy {
		case DropOldest:
			dropped = cb.popLocked()
			hasDropped = true
			cb.recordOverflowLocked()

		case DropNewest:
			cb.recordOverflowLocked()
			return item, true, nil

		case Block:
			if err := cb.waitLocked(ctx, cb.notFull, func() bool {
				return cb.size < cb.capacity || cb.closed
			}); err != nil {
				return dropped, false, err
			}
			if cb.closed {
				return dropped, false, errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))

	cb.notEmpty.Signal()
	return dropped, hasDropped, nil
}

// waitLocked waits on cond until ready returns true or ctx is done.
// The caller holds cb.mu.
func (cb *circularBuffer[T]) waitLocked(ctx context.Context, cond *sync.Cond, ready func() bool) error {
	if ready() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cb.mu.Lock()
				cond.Broadcast()
				cb.mu.Unlock()
			case <-done:
			}
		}()
	}

	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cond.Wait()
	}
	return nil
}

func (cb *circularBuffer[T]) popLocked() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

func (cb *circularBuffer[T]) recordOverflowLocked() {
	cb.stats.Overflow()
	cb.stats.Drop()
}

func (cb *circularBuffer[T]) recordReadLocked(n int) {
	for i := 0; i < n; i++ {
		cb.stats.Read()
	}
	cb.stats.UpdateSize(int64(cb.size))
	cb.notFull.Broadcast()
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.popLocked()
	cb.recordReadLocked(1)
	return item, true
}

// ReadContext waits for an item to become available.
func (cb *circularBuffer[T]) ReadContext(ctx context.Context) (T, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if err := cb.waitLocked(ctx, cb.notEmpty, func() bool {
		return cb.size > 0 || cb.closed
	}); err != nil {
		return zero, err
	}
	if cb.size == 0 {
		return zero, errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "ReadContext", "buffer closed")
	}

	item := cb.popLocked()
	cb.recordReadLocked(1)
	return item, nil
}

// PeekNewest retrieves the newest item without removing it.
func (cb *circularBuffer[T]) PeekNewest() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	return cb.items[(cb.head-1+cb.capacity)%cb.capacity], true
}

// Snapshot copies out all items, oldest first.
func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	result := make([]T, cb.size)
	for i := range result {
		result[i] = cb.items[(cb.tail+i)%cb.capacity]
	}
	return result
}

// DropWhile removes items from the oldest end while drop reports true.
func (cb *circularBuffer[T]) DropWhile(drop func(T) bool) int {
	cb.mu.Lock()
	var removed []T
	for cb.size > 0 && drop(cb.items[cb.tail]) {
		removed = append(removed, cb.popLocked())
		cb.stats.Drop()
	}
	if len(removed) > 0 {
		cb.stats.UpdateSize(int64(cb.size))
		cb.notFull.Broadcast()
	}
	cb.mu.Unlock()

	if cb.opts.onDrop != nil {
		for _, item := range removed {
			cb.opts.onDrop(item)
		}
	}
	return len(removed)
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close shuts down the buffer and wakes all waiters.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true

	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()
	return nil
}
