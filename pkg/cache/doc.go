// Package cache provides a generic, thread-safe LRU cache with statistics and
// optional Prometheus metrics.
//
// The schema registry client keeps raw schema documents in one, keyed by
// content ID. Documents never change once stored, so size is the only
// eviction criterion.
//
//	docs, err := cache.NewLRU[[]byte](256,
//	    cache.WithMetrics[[]byte](registry, "registry"),
//	)
//	docs.Set(string(id), raw)
//	raw, ok := docs.Get(string(id))
package cache
