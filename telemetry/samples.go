package telemetry

import (
	"fmt"

	"github.com/c360/telemetryrelay/errors"
)

// ParameterSamples holds irregular samples of one parameter.
type ParameterSamples struct {
	EpochNanos      int64     `json:"epoch_nanos"`
	TimestampsNanos []int64   `json:"timestamps_nanos"`
	Values          []float64 `json:"values"`
}

// Samples maps parameter IDs to their samples.
type Samples struct {
	Parameters map[string]*ParameterSamples `json:"parameters"`
}

// NewSamples returns an empty Samples.
func NewSamples() *Samples {
	return &Samples{Parameters: make(map[string]*ParameterSamples)}
}

// Add appends one sample to a parameter, creating it with epoch if absent.
func (s *Samples) Add(parameterID string, epochNanos, timestampNanos int64, value float64) {
	p, ok := s.Parameters[parameterID]
	if !ok {
		p = &ParameterSamples{EpochNanos: epochNanos}
		s.Parameters[parameterID] = p
	}
	p.TimestampsNanos = append(p.TimestampsNanos, timestampNanos)
	p.Values = append(p.Values, value)
}

// Validate checks every parameter is one of allowed and its columns align.
// Unknown parameters are ErrSchemaMismatch.
func (s *Samples) Validate(allowed []string) error {
	if s == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Samples", "Validate", "nil samples")
	}
	known := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		known[id] = struct{}{}
	}
	for id, p := range s.Parameters {
		if _, ok := known[id]; !ok {
			return errors.WrapFatal(fmt.Errorf("%w: feed has no parameter %q", errors.ErrSchemaMismatch, id),
				"Samples", "Validate", "check parameters")
		}
		if p == nil || len(p.TimestampsNanos) != len(p.Values) {
			return errors.WrapInvalid(fmt.Errorf("%w: parameter %q timestamps and values differ in length", errors.ErrInvalidData, id),
				"Samples", "Validate", "check column lengths")
		}
	}
	return nil
}

// Event is a single occurrence of a defined event.
type Event struct {
	ID         string    `json:"id"`
	EpochNanos int64     `json:"epoch_nanos"`
	TimeNanos  int64     `json:"time_nanos"`
	Values     []float64 `json:"values"`
}

// Validate checks the event names a definition.
func (e *Event) Validate() error {
	if e == nil || e.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: event without id", errors.ErrInvalidData),
			"Event", "Validate", "check id")
	}
	return nil
}
