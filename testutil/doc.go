// Package testutil provides in-memory fixtures for telemetry relay tests.
//
// MemoryEnv wires a broker.MemoryTransport and an in-memory schema registry.
// Memory topics retain their frames, which FramesOfKind and DecodeFrames turn
// back into values:
//
//	env := testutil.NewMemoryEnv(t)
//	w, err := stream.NewWriter(ctx, env.Client, env.Registry, "telemetry", df, nil)
//	...
//	sessions := testutil.DecodeFrames[session.Session](t, env.Frames("telemetry", broker.FrameSession))
//
// RecordingWriter stands in for a stream writer when only the frames handed
// to it matter, and FlakyTopic fails its first sends to exercise retries.
//
// RampData, ChassisFormat, DefaultFormat and PitConfiguration build sample
// batches and schemas whose values are easy to assert on.
package testutil
