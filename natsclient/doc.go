// Package natsclient manages the NATS connection used by the JetStream broker
// transport and the KV-backed schema registry.
//
// The client wraps nats.go with a circuit breaker around connection attempts:
// after a threshold of consecutive failures (default 5) Connect fails fast with
// ErrCircuitOpen until the backoff elapses, and the backoff doubles up to a cap
// for every further round of failures.
//
// Connection lifecycle:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// JetStream streams are created idempotently with EnsureStream. KV buckets are
// created or opened with CreateKeyValueBucket and wrapped by KVStore, which maps
// server errors onto ErrKVKeyNotFound and ErrKVKeyExists:
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "schemas"})
//	store := client.NewKVStore(bucket)
//	if _, err := store.Create(ctx, key, doc); errors.Is(err, natsclient.ErrKVKeyExists) {
//	    // already stored
//	}
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers-go and
// returns a connected client. Tests using it carry the integration build tag.
package natsclient
