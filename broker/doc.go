// Package broker carries session streams over a partitioned topic transport.
//
// A stream is the ordered sequence of frames written by one session: session
// snapshots, telemetry batches, samples and events. Frames carry the stream ID,
// a per-stream sequence number and the name of the codec that encoded the
// payload.
//
// Writing goes through a StreamWriter, which owns a bounded send queue and a
// single sender, so frames of a stream leave in the order they were enqueued.
// Each enqueue returns a Future that completes once the transport accepted the
// frame or the send failed after retries.
//
// Reading goes through a Pipeline built with Client.StreamTopic(topic).Into(factory).
// The pipeline creates one StreamInput per stream ID through the factory and
// delivers that stream's frames to it sequentially from a dedicated goroutine.
// Streams are independent of each other.
//
// Transports:
//
//   - MemoryTransport: in-process, retains and replays frames, used by tests
//     and single-process setups.
//   - natsbroker: NATS JetStream.
//   - amqpbroker: RabbitMQ topic exchanges.
package broker
