package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/registry"
)

// MemoryEnv is an in-memory broker and schema registry. Topics retain every
// frame, so tests can inspect what was written after the fact.
type MemoryEnv struct {
	Transport *broker.MemoryTransport
	Client    *broker.Client
	Backend   *registry.MemoryBackend
	Registry  *registry.Client
}

// NewMemoryEnv creates an environment closed when the test ends.
func NewMemoryEnv(t testing.TB, opts ...broker.ClientOption) *MemoryEnv {
	t.Helper()
	transport := broker.NewMemoryTransport()
	client, err := broker.NewClient(transport, opts...)
	require.NoError(t, err)
	backend := registry.NewMemoryBackend()
	reg, err := registry.NewClient(backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return &MemoryEnv{Transport: transport, Client: client, Backend: backend, Registry: reg}
}

// Frames returns the frames retained on topic, filtered to kind.
func (e *MemoryEnv) Frames(topic string, kind broker.FrameKind) []broker.Frame {
	return FramesOfKind(e.Transport.Retained(topic), kind)
}

// FramesOfKind filters frames to kind, keeping their order.
func FramesOfKind(frames []broker.Frame, kind broker.FrameKind) []broker.Frame {
	var out []broker.Frame
	for _, f := range frames {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// DecodeFrames decodes every frame payload into a T.
func DecodeFrames[T any](t testing.TB, frames []broker.Frame) []T {
	t.Helper()
	out := make([]T, 0, len(frames))
	for _, f := range frames {
		var v T
		require.NoError(t, codec.Decode(f.Encoding, f.Payload, &v), "frame %d", f.Seq)
		out = append(out, v)
	}
	return out
}
