package cache

import "sync/atomic"

// Statistics counts cache activity and mirrors it into Prometheus when the
// cache was created WithMetrics.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64

	inst *instruments
}

func (s *Statistics) hit() {
	s.hits.Add(1)
	if s.inst != nil {
		s.inst.hits.Inc()
	}
}

func (s *Statistics) miss() {
	s.misses.Add(1)
	if s.inst != nil {
		s.inst.misses.Inc()
	}
}

func (s *Statistics) set(size int) {
	s.sets.Add(1)
	if s.inst != nil {
		s.inst.sets.Inc()
	}
	s.resize(size)
}

func (s *Statistics) evict() {
	s.evictions.Add(1)
	if s.inst != nil {
		s.inst.evictions.Inc()
	}
}

func (s *Statistics) resize(size int) {
	s.size.Store(int64(size))
	if s.inst != nil {
		s.inst.size.Set(float64(size))
	}
}

func (s *Statistics) Hits() int64      { return s.hits.Load() }
func (s *Statistics) Misses() int64    { return s.misses.Load() }
func (s *Statistics) Sets() int64      { return s.sets.Load() }
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }
func (s *Statistics) Size() int64      { return s.size.Load() }

// HitRatio returns hits over lookups, 0 before the first lookup.
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
