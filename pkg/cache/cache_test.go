package cache

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
)

func TestNewLRU_RejectsNonPositiveSize(t *testing.T) {
	_, err := NewLRU[int](0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_GetSet(t *testing.T) {
	c, err := NewLRU[string](2)
	require.NoError(t, err)

	created, err := c.Set("a", "alpha")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", "alpha2")
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha2", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
	assert.InDelta(t, 0.5, c.Stats().HitRatio(), 0.0001)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU[int](2, WithEvictionCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Get("a")
	_, _ = c.Set("c", 3)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestLRU_Delete(t *testing.T) {
	var evicted []string
	c, err := NewLRU[int](4, WithEvictionCallback(func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Set("c", 3)

	deleted, err := c.Delete("b")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("b")
	require.NoError(t, err)
	assert.False(t, deleted)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(2), c.Stats().Size())
	assert.Equal(t, []string{"b"}, evicted)
}

func TestLRU_RejectsEmptyKey(t *testing.T) {
	c, err := NewLRU[int](1)
	require.NoError(t, err)

	_, err = c.Set("", 1)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	_, err = c.Delete("")
	assert.Error(t, err)
}

func TestLRU_Concurrent(t *testing.T) {
	c, err := NewLRU[int](64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a' + (i+j)%26))
				_, _ = c.Set(key, j)
				_, _ = c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 26)
}

func TestLRU_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewLRU[int](1, WithMetrics[int](registry, "schemas"))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Get("b")
	_, _ = c.Get("a")

	m := c.stats.inst
	require.NotNil(t, m)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.misses))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.evictions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.size))

	_, err = NewLRU[int](1, WithMetrics[int](registry, "schemas"))
	assert.Error(t, err, "a second cache cannot reuse the prefix")
}
