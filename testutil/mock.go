package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
)

// RecordedFrame is one frame a RecordingWriter accepted, before encoding.
type RecordedFrame struct {
	Kind  broker.FrameKind
	Feed  string
	Value any
}

// RecordingWriter is an in-memory stream writer: every Enqueue is recorded
// and completes at once. Set Err to fail the frames that follow.
// Thread-safe for concurrent use from multiple goroutines.
type RecordingWriter struct {
	mu     sync.Mutex
	frames []RecordedFrame
	err    error
}

// NewRecordingWriter creates an empty recording writer.
func NewRecordingWriter() *RecordingWriter {
	return &RecordingWriter{}
}

// Enqueue records the frame.
func (w *RecordingWriter) Enqueue(_ context.Context, kind broker.FrameKind, feed string, v any) *broker.Future {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return broker.CompletedFuture(w.err)
	}
	w.frames = append(w.frames, RecordedFrame{Kind: kind, Feed: feed, Value: v})
	return broker.CompletedFuture(nil)
}

// Flush returns at once; recorded frames are already complete.
func (w *RecordingWriter) Flush(context.Context) error { return nil }

// Fail makes every following Enqueue complete with err.
func (w *RecordingWriter) Fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// Frames returns the recorded frames of the given kinds, all of them when
// no kind is given.
func (w *RecordingWriter) Frames(kinds ...broker.FrameKind) []RecordedFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]RecordedFrame, 0, len(w.frames))
	for _, f := range w.frames {
		if len(kinds) == 0 || containsKind(kinds, f.Kind) {
			out = append(out, f)
		}
	}
	return out
}

// Clear forgets the recorded frames.
func (w *RecordingWriter) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = nil
}

func containsKind(kinds []broker.FrameKind, k broker.FrameKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// FlakyTopic is an output topic that fails its first Failures sends with a
// transient error and records the rest.
type FlakyTopic struct {
	TopicName string
	Failures  int

	mu       sync.Mutex
	attempts int
	sent     []broker.Frame
	closed   bool
}

// Name returns the topic name.
func (t *FlakyTopic) Name() string { return t.TopicName }

// Send fails while failures remain, then records frame.
func (t *FlakyTopic) Send(_ context.Context, frame broker.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "FlakyTopic", "Send", "check topic")
	}
	t.attempts++
	if t.attempts <= t.Failures {
		return errors.WrapTransient(fmt.Errorf("%w: attempt %d", errors.ErrConnectionLost, t.attempts),
			"FlakyTopic", "Send", "send frame")
	}
	t.sent = append(t.sent, frame)
	return nil
}

// Close closes the topic.
func (t *FlakyTopic) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Sent returns the frames sent successfully.
func (t *FlakyTopic) Sent() []broker.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]broker.Frame(nil), t.sent...)
}

// Attempts returns the number of sends tried.
func (t *FlakyTopic) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
