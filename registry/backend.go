package registry

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/natsclient"
)

// Backend persists encoded documents by key.
type Backend interface {
	// Put stores doc under key. Storing identical bytes again succeeds.
	Put(ctx context.Context, key string, doc []byte) error

	// Get returns the document, or an error wrapping errors.ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryBackend keeps documents in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, key string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.docs[key]; ok {
		return checkSameDocument(key, existing, doc)
	}
	b.docs[key] = bytes.Clone(doc)
	return nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.docs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrKeyNotFound, key)
	}
	return bytes.Clone(doc), nil
}

// Len returns the number of stored documents.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}

// KVBackend stores documents in a NATS JetStream key-value bucket.
type KVBackend struct {
	store *natsclient.KVStore
}

// NewKVBackend opens the bucket, creating it on first use.
func NewKVBackend(ctx context.Context, client *natsclient.Client, bucket string) (*KVBackend, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "telemetry relay schema documents",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "KVBackend", "NewKVBackend", fmt.Sprintf("open bucket %s", bucket))
	}
	return &KVBackend{store: client.NewKVStore(kv)}, nil
}

// NewKVBackendFromStore wraps an already opened KV store.
func NewKVBackendFromStore(store *natsclient.KVStore) *KVBackend {
	return &KVBackend{store: store}
}

// Put implements Backend. A key that already exists is compared, never overwritten.
func (b *KVBackend) Put(ctx context.Context, key string, doc []byte) error {
	_, err := b.store.Create(ctx, key, doc)
	if err == nil {
		return nil
	}
	if !stderrors.Is(err, natsclient.ErrKVKeyExists) {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"KVBackend", "Put", "create document")
	}

	existing, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	return checkSameDocument(key, existing, doc)
}

// Get implements Backend.
func (b *KVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.store.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", errors.ErrKeyNotFound, key)
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"KVBackend", "Get", "read document")
	}
	return entry.Value, nil
}

func checkSameDocument(key string, existing, doc []byte) error {
	if bytes.Equal(existing, doc) {
		return nil
	}
	return errors.WrapFatal(fmt.Errorf("%w: conflicting document stored under %s", errors.ErrInvalidData, key),
		"registry", "Put", "compare stored document")
}
