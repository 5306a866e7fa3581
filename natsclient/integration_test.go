//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_Connect(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())

	assert.True(t, tc.Client.IsHealthy())
	assert.Equal(t, StatusConnected, tc.Client.Status())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_EnsureStream_Idempotent(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	cfg := jetstream.StreamConfig{
		Name:     "RELAY_TEST",
		Subjects: []string{"relay.test.>"},
		Storage:  jetstream.MemoryStorage,
	}
	first, err := tc.Client.EnsureStream(ctx, cfg)
	require.NoError(t, err)

	second, err := tc.Client.EnsureStream(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, first.CachedInfo().Config.Name, second.CachedInfo().Config.Name)
}

func TestIntegration_KVStore(t *testing.T) {
	tc := NewTestClient(t, WithKV("schemas"))
	ctx := context.Background()

	store, err := tc.KVStore(ctx, "schemas")
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := store.Create(ctx, "doc", []byte("v1"))
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	_, err = store.Create(ctx, "doc", []byte("v2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, rev, entry.Revision)
}

func TestIntegration_KVStore_ValueSizeLimit(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "limited"})
	require.NoError(t, err)
	store := tc.Client.NewKVStore(bucket, KVMaxValueSize(4), KVTimeout(time.Second))

	_, err = store.Create(ctx, "small", []byte("1234"))
	require.NoError(t, err)
	_, err = store.Create(ctx, "large", []byte("12345"))
	assert.ErrorContains(t, err, "exceeds")
}
