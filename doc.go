// Package telemetryrelay is a session-oriented telemetry relay core.
//
// A writer opens a session on a broker topic, binds schema-described feeds
// lazily on first write, pushes batches of regularly sampled data, irregular
// samples and events, and closes or truncates the session. A reader
// subscribes to the topic and gets one ordered, event-driven handler context
// per stream: lifecycle and dependency notifications, buffered data per feed
// and windowed queries over it. A reader may relay each stream into a linked
// output session whose lifecycle, metadata and dependencies follow the input.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   stream (Writer, Reader, Output,   │  Session + feeds per stream
//	│           Input)                    │
//	└─────────────────────────────────────┘
//	     ↓ session     ↓ feed     ↓ relay
//	┌─────────────────────────────────────┐
//	│ session state machine, feed binders │  Unset → Open → Closed|Truncated
//	│ Link and FanOut, window buffers     │
//	└─────────────────────────────────────┘
//	           ↓ frames
//	┌─────────────────────────────────────┐
//	│ broker (StreamWriter, Pipeline)     │  Ordered per-stream delivery
//	│ natsbroker | amqpbroker | memory    │
//	└─────────────────────────────────────┘
//
// Data formats and configuration trees are immutable documents stored in a
// content-addressed schema registry (registry) and referenced from the
// session's dependencies. Payloads are encoded with a pluggable codec
// (codec).
//
// # Packages
//
//   - schema, telemetry: data model
//   - registry: schema registry client with memory and NATS KV backends
//   - window: complete-window queries over buffered data
//   - broker, broker/natsbroker, broker/amqpbroker: transports and pipelines
//   - session, feed, relay, stream: the relay core
//   - config, service, health, metric, natsclient: host program runtime
//
// # Host programs
//
// cmd/telemetry-writer writes a session of generated test signals.
// cmd/gtotal-model relays every session of a topic into a model session
// carrying gTotal computed from gLat and gLong.
package telemetryrelay
