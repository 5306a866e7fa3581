package schema

import (
	"fmt"
	"sort"

	"github.com/c360/telemetryrelay/errors"
)

// Configuration is the parameter and event tree of a session:
// application group, then parameter group, then parameter.
//
//	Chassis
//	  State
//	    vCar:Chassis (kmh)
type Configuration struct {
	AppGroups map[string]*ApplicationGroup `json:"app_groups" yaml:"app_groups"`
}

// ApplicationGroup holds parameter groups and event definitions.
type ApplicationGroup struct {
	Description string                      `json:"description,omitempty" yaml:"description,omitempty"`
	Groups      map[string]*ParameterGroup  `json:"groups,omitempty" yaml:"groups,omitempty"`
	Events      map[string]*EventDefinition `json:"events,omitempty" yaml:"events,omitempty"`
}

// ParameterGroup holds parameter definitions keyed by parameter ID.
type ParameterGroup struct {
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]*Parameter `json:"parameters" yaml:"parameters"`
}

// Parameter describes one parameter.
type Parameter struct {
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Units         string `json:"units,omitempty" yaml:"units,omitempty"`
	FormatString  string `json:"format,omitempty" yaml:"format,omitempty"`
	PhysicalRange *Range `json:"physical_range,omitempty" yaml:"physical_range,omitempty"`
	WarningRange  *Range `json:"warning_range,omitempty" yaml:"warning_range,omitempty"`
}

// Range is an inclusive value range.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r *Range) Contains(v float64) bool {
	return r == nil || (v >= r.Min && v <= r.Max)
}

// EventPriority ranks events.
type EventPriority string

const (
	EventPriorityLow      EventPriority = "low"
	EventPriorityMedium   EventPriority = "medium"
	EventPriorityHigh     EventPriority = "high"
	EventPriorityCritical EventPriority = "critical"
)

// EventDefinition describes an event type raised in a session.
type EventDefinition struct {
	Description   string        `json:"description" yaml:"description"`
	Priority      EventPriority `json:"priority" yaml:"priority"`
	ConversionIDs []string      `json:"conversion_ids,omitempty" yaml:"conversion_ids,omitempty"`
}

// Parameter finds a parameter by ID anywhere in the tree.
func (c *Configuration) Parameter(id string) (*Parameter, bool) {
	for _, ag := range c.AppGroups {
		for _, g := range ag.Groups {
			if p, ok := g.Parameters[id]; ok {
				return p, true
			}
		}
	}
	return nil, false
}

// EventDefinition finds an event definition by ID anywhere in the tree.
func (c *Configuration) EventDefinition(id string) (*EventDefinition, bool) {
	for _, ag := range c.AppGroups {
		if ev, ok := ag.Events[id]; ok {
			return ev, true
		}
	}
	return nil, false
}

// ParameterIDs returns every parameter ID in sorted order.
func (c *Configuration) ParameterIDs() []string {
	var ids []string
	for _, ag := range c.AppGroups {
		for _, g := range ag.Groups {
			for id := range g.Parameters {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Validate checks parameter IDs are unique across groups and ranges are ordered.
func (c *Configuration) Validate() error {
	if len(c.AppGroups) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: no application groups", errors.ErrInvalidData),
			"Configuration", "Validate", "check groups")
	}
	seen := make(map[string]string)
	for agID, ag := range c.AppGroups {
		if ag == nil {
			return errors.WrapInvalid(fmt.Errorf("%w: application group %q is empty", errors.ErrInvalidData, agID),
				"Configuration", "Validate", "check groups")
		}
		for gID, g := range ag.Groups {
			for pID, p := range g.Parameters {
				if prev, dup := seen[pID]; dup {
					return errors.WrapInvalid(
						fmt.Errorf("%w: parameter %q in %s and %s/%s", errors.ErrInvalidData, pID, prev, agID, gID),
						"Configuration", "Validate", "check parameters")
				}
				seen[pID] = agID + "/" + gID
				for _, r := range []*Range{p.PhysicalRange, p.WarningRange} {
					if r != nil && r.Min > r.Max {
						return errors.WrapInvalid(fmt.Errorf("%w: parameter %q range min > max", errors.ErrInvalidData, pID),
							"Configuration", "Validate", "check ranges")
					}
				}
			}
		}
	}
	return nil
}
