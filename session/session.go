// Package session models the lifecycle and metadata of a telemetry session.
//
// A session moves forward only: Unset, then Open, then Closed or Truncated.
// The owning side holds an Output, the single writer of the session's state,
// which sends a snapshot on the stream whenever the state or metadata changes.
// The consuming side holds an Input, which applies received snapshots and
// notifies observers of what changed.
package session

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/schema"
)

// State is the lifecycle state of a session.
type State string

const (
	Unset     State = "unset"
	Open      State = "open"
	Closed    State = "closed"
	Truncated State = "truncated"
)

// String returns the state name.
func (s State) String() string {
	if s == "" {
		return string(Unset)
	}
	return string(s)
}

// IsTerminal reports whether no further transition or data is accepted.
func (s State) IsTerminal() bool {
	return s == Closed || s == Truncated
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	from, to = normalize(from), normalize(to)
	switch from {
	case Unset:
		return to == Open || to == Truncated
	case Open:
		return to == Closed || to == Truncated
	default:
		return false
	}
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case Unset, Open, Closed, Truncated:
		return st, nil
	case "":
		return Unset, nil
	}
	return Unset, errors.WrapInvalid(fmt.Errorf("%w: unknown session state %q", errors.ErrInvalidData, s),
		"State", "ParseState", "parse state")
}

func normalize(s State) State {
	if s == "" {
		return Unset
	}
	return s
}

// Session is the snapshot sent on a stream for every lifecycle or metadata change.
type Session struct {
	ID            string                                `json:"id"`
	State         State                                 `json:"state"`
	Identifier    string                                `json:"identifier,omitempty"`
	Start         *time.Time                            `json:"start,omitempty"`
	DurationNanos int64                                 `json:"duration_nanos"`
	Dependencies  map[schema.DependencyType][]schema.ID `json:"dependencies,omitempty"`
}

// Duration returns the session duration.
func (s *Session) Duration() time.Duration {
	return time.Duration(s.DurationNanos)
}

// DependencyIDs returns the IDs recorded for a dependency type.
func (s *Session) DependencyIDs(t schema.DependencyType) []schema.ID {
	return s.Dependencies[t]
}

// DependencyID returns the first ID recorded for a dependency type.
func (s *Session) DependencyID(t schema.DependencyType) (schema.ID, bool) {
	ids := s.Dependencies[t]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Clone returns a deep copy.
func (s *Session) Clone() Session {
	c := *s
	if s.Start != nil {
		start := *s.Start
		c.Start = &start
	}
	c.Dependencies = cloneDependencies(s.Dependencies)
	return c
}

// Equal reports whether two snapshots carry the same state and metadata.
func (s *Session) Equal(o *Session) bool {
	return s.ID == o.ID &&
		normalize(s.State) == normalize(o.State) &&
		s.MetadataEqual(o) &&
		DependenciesEqual(s.Dependencies, o.Dependencies)
}

// MetadataEqual compares identifier, start and duration.
func (s *Session) MetadataEqual(o *Session) bool {
	if s.Identifier != o.Identifier || s.DurationNanos != o.DurationNanos {
		return false
	}
	switch {
	case s.Start == nil && o.Start == nil:
		return true
	case s.Start == nil || o.Start == nil:
		return false
	default:
		return s.Start.Equal(*o.Start)
	}
}

// DependenciesEqual compares dependency maps, treating nil and empty as equal.
func DependenciesEqual(a, b map[schema.DependencyType][]schema.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for t, ids := range a {
		if !slices.Equal(ids, b[t]) {
			return false
		}
	}
	return true
}

func cloneDependencies(deps map[schema.DependencyType][]schema.ID) map[schema.DependencyType][]schema.ID {
	if deps == nil {
		return nil
	}
	c := maps.Clone(deps)
	for t, ids := range c {
		c[t] = slices.Clone(ids)
	}
	return c
}
