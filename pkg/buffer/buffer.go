package buffer

import (
	"context"
)

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write adds item. A full buffer applies its overflow policy.
	Write(item T) error
	// WriteContext is Write giving up when ctx ends under the Block policy.
	WriteContext(ctx context.Context, item T) error

	// Read removes the oldest item without waiting.
	Read() (T, bool)
	// ReadContext waits for an item until ctx ends or the buffer is closed
	// and drained.
	ReadContext(ctx context.Context) (T, error)

	PeekNewest() (T, bool)
	// Snapshot copies the items out, oldest first.
	Snapshot() []T
	// DropWhile removes items from the oldest end while drop reports true
	// and returns how many went.
	DropWhile(drop func(T) bool) int

	Size() int
	Stats() *Statistics
	// Close wakes every waiter. Items already buffered stay readable.
	Close() error
}

// OverflowPolicy decides what a write into a full buffer does.
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota // evict the oldest item
	DropNewest                       // discard the written item
	Block                            // wait for space
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback receives, outside the buffer lock, every item the buffer
// discards: overflow evictions and DropWhile removals.
type DropCallback[T any] func(item T)

// Option configures a buffer.
type Option[T any] func(*settings[T])

type settings[T any] struct {
	policy OverflowPolicy
	onDrop DropCallback[T]
}

// WithOverflowPolicy replaces the default DropOldest policy.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(s *settings[T]) { s.policy = policy }
}

// WithDropCallback observes discarded items.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(s *settings[T]) { s.onDrop = fn }
}

// NewCircularBuffer creates a ring buffer holding up to capacity items.
// The capacity must be positive.
func NewCircularBuffer[T any](capacity int, opts ...Option[T]) (Buffer[T], error) {
	s := &settings[T]{policy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return newCircularBuffer(capacity, s)
}
