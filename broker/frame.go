package broker

import (
	"fmt"

	"github.com/c360/telemetryrelay/errors"
)

// FrameKind identifies what a frame payload carries.
type FrameKind uint8

const (
	// FrameSession carries a session snapshot.
	FrameSession FrameKind = iota + 1
	// FrameData carries a regularly sampled telemetry batch of one feed.
	FrameData
	// FrameSamples carries irregular per-parameter samples of one feed.
	FrameSamples
	// FrameEvents carries one event.
	FrameEvents
)

// String returns the wire name of the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameSession:
		return "session"
	case FrameData:
		return "data"
	case FrameSamples:
		return "samples"
	case FrameEvents:
		return "events"
	default:
		return "unknown"
	}
}

// ParseFrameKind parses a wire name produced by FrameKind.String.
func ParseFrameKind(s string) (FrameKind, error) {
	for _, k := range []FrameKind{FrameSession, FrameData, FrameSamples, FrameEvents} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.WrapInvalid(fmt.Errorf("%w: frame kind %q", errors.ErrInvalidData, s),
		"broker", "ParseFrameKind", "parse kind")
}

// Frame is one message of a stream on a topic.
type Frame struct {
	Topic    string
	StreamID string
	Kind     FrameKind
	Feed     string
	Seq      uint64
	Encoding string
	Payload  []byte
}

// Validate checks the routing fields every transport relies on.
func (f Frame) Validate() error {
	switch {
	case f.Topic == "":
		return errors.WrapInvalid(fmt.Errorf("%w: frame without topic", errors.ErrInvalidData), "Frame", "Validate", "check topic")
	case f.StreamID == "":
		return errors.WrapInvalid(fmt.Errorf("%w: frame without stream id", errors.ErrInvalidData), "Frame", "Validate", "check stream")
	case f.Kind < FrameSession || f.Kind > FrameEvents:
		return errors.WrapInvalid(fmt.Errorf("%w: frame kind %d", errors.ErrInvalidData, f.Kind), "Frame", "Validate", "check kind")
	}
	return nil
}
