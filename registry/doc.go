// Package registry stores and resolves immutable schema documents by content ID.
//
// Documents are encoded with deterministic CBOR and identified by the BLAKE3
// digest of their kind and encoded bytes, so storing the same document twice
// yields the same ID and never rewrites it. Sessions reference documents
// through their dependencies; readers resolve them with Get.
//
// A Client stores documents in a Backend. MemoryBackend serves tests and
// single-process setups; KVBackend keeps documents in a NATS JetStream
// key-value bucket shared by writers and readers. Resolved documents are held
// in an LRU cache, and transient backend failures are retried with backoff.
//
//	backend, err := registry.NewKVBackend(ctx, natsClient, "schemas")
//	client, err := registry.NewClient(backend, registry.WithGroup("demo"))
//	formats := registry.NewDataFormatClient(client)
//	id, err := formats.PutAndIdentify(ctx, dataFormat)
//	df, err := formats.Get(ctx, id)
package registry
