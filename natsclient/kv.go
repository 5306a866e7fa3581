package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KV errors the store maps server responses onto.
var (
	ErrKVKeyNotFound = errors.New("kv: key not found")
	ErrKVKeyExists   = errors.New("kv: key already exists")
)

// Limits applied by a KVStore unless overridden with KVTimeout / KVMaxValueSize.
const (
	DefaultKVTimeout      = 5 * time.Second
	DefaultKVMaxValueSize = 1 << 20
)

// KVEntry is a stored value and the bucket revision it was written at.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore wraps a JetStream key-value bucket holding write-once documents:
// values are created once and read back, never updated.
type KVStore struct {
	bucket       jetstream.KeyValue
	timeout      time.Duration
	maxValueSize int
	logger       *slog.Logger
}

// KVOption adjusts a KVStore.
type KVOption func(*KVStore)

// KVTimeout bounds every operation. Zero leaves the caller's context alone.
func KVTimeout(d time.Duration) KVOption {
	return func(kv *KVStore) { kv.timeout = d }
}

// KVMaxValueSize rejects larger values before they reach the server.
func KVMaxValueSize(n int) KVOption {
	return func(kv *KVStore) { kv.maxValueSize = n }
}

// NewKVStore wraps bucket.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...KVOption) *KVStore {
	kv := &KVStore{
		bucket:       bucket,
		timeout:      DefaultKVTimeout,
		maxValueSize: DefaultKVMaxValueSize,
		logger:       c.logger.With("bucket", bucket.Bucket()),
	}
	for _, opt := range opts {
		opt(kv)
	}
	return kv
}

func (kv *KVStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, kv.timeout)
}

// Get reads key. A missing key yields ErrKVKeyNotFound.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.bound(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	switch {
	case IsKVNotFoundError(err):
		return nil, ErrKVKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Create writes key only if it does not exist yet. An existing key yields
// ErrKVKeyExists and leaves the stored value untouched.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if kv.maxValueSize > 0 && len(value) > kv.maxValueSize {
		return 0, fmt.Errorf("kv create %s: %d bytes exceeds the %d byte limit", key, len(value), kv.maxValueSize)
	}
	ctx, cancel := kv.bound(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	switch {
	case IsKVConflictError(err):
		return 0, ErrKVKeyExists
	case err != nil:
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	kv.logger.Debug("KV create", "key", key, "revision", rev)
	return rev, nil
}

// IsKVNotFoundError reports whether err means the key does not exist,
// including server errors that arrive without the typed jetstream error.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return containsAny(err.Error(), "key not found", "10037")
}

// IsKVConflictError reports whether err means the key already exists.
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyExists) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	return containsAny(err.Error(), "wrong last sequence", "key exists", "10071", "10058")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
