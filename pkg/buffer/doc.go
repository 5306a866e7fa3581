// Package buffer provides generic, thread-safe bounded buffers with overflow policies.
//
// The circular buffer backs the relay's queues and histories: the per-stream send
// queue of a broker.StreamWriter and the per-stream queue of a broker.Pipeline
// (Block policy, so producers wait for the consumer), the retained frame log of a
// memory topic and the retained history of a window.Buffer or event feed
// (DropOldest policy).
//
// # Overflow Policies
//
//   - DropOldest: evict the oldest item to admit the new one
//   - DropNewest: discard the new item
//   - Block: make the writer wait for space
//
// # Usage
//
//	history, err := buffer.NewCircularBuffer[*telemetry.Data](64,
//	    buffer.WithOverflowPolicy[*telemetry.Data](buffer.DropOldest),
//	    buffer.WithDropCallback(func(d *telemetry.Data) { advanceHorizon(d) }),
//	)
//
// Drop callbacks run after the buffer lock is released, so they may call back
// into the buffer. Every buffer keeps Statistics of its writes, reads,
// overflows and drops.
package buffer
