package health

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Monitor holds the latest status reported for each part of a process.
type Monitor struct {
	mu    sync.RWMutex
	parts map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{parts: make(map[string]Status)}
}

// Update records status as the current state of the named part.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.parts[name] = status
	m.mu.Unlock()
}

func (m *Monitor) UpdateHealthy(name, message string)   { m.Update(name, NewHealthy(name, message)) }
func (m *Monitor) UpdateDegraded(name, message string)  { m.Update(name, NewDegraded(name, message)) }
func (m *Monitor) UpdateUnhealthy(name, message string) { m.Update(name, NewUnhealthy(name, message)) }

// Get returns the last status of the named part.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.parts[name]
	return status, ok
}

// Remove stops tracking the named part.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.parts, name)
	m.mu.Unlock()
}

// Clear stops tracking every part.
func (m *Monitor) Clear() {
	m.mu.Lock()
	clear(m.parts)
	m.mu.Unlock()
}

// AggregateHealth rolls every part up under systemName, parts ordered by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	parts := slices.SortedFunc(maps.Values(m.parts), func(a, b Status) int {
		return strings.Compare(a.Component, b.Component)
	})
	m.mu.RUnlock()
	return Aggregate(systemName, parts)
}
