// Package telemetry defines the payloads carried by feeds.
//
// Data is a regularly sampled batch: one shared timestamp vector and, per
// parameter, values and statuses aligned to it. Parameters are positional,
// in the order of the feed format they were written against. Samples carry
// irregular per-parameter timestamps. Events are point occurrences that
// reference an event definition.
//
// Timestamps are nanoseconds relative to EpochNanos, so the absolute time of
// sample i is EpochNanos + TimestampsNanos[i].
package telemetry

import (
	"fmt"

	"github.com/c360/telemetryrelay/errors"
)

// DataStatus flags the quality of one sample.
type DataStatus uint8

const (
	// StatusSample marks a real measured value.
	StatusSample DataStatus = 1 << iota
	// StatusMissing marks a slot with no value.
	StatusMissing
	// StatusOutOfRange marks a value outside the parameter's physical range.
	StatusOutOfRange
)

// Has reports whether all bits of flag are set.
func (s DataStatus) Has(flag DataStatus) bool {
	return s&flag == flag
}

// String names the set flags.
func (s DataStatus) String() string {
	if s == 0 {
		return "none"
	}
	out := ""
	for _, f := range []struct {
		flag DataStatus
		name string
	}{{StatusSample, "sample"}, {StatusMissing, "missing"}, {StatusOutOfRange, "out_of_range"}} {
		if s.Has(f.flag) {
			if out != "" {
				out += "|"
			}
			out += f.name
		}
	}
	return out
}

// ParameterData holds one parameter's column of a Data batch.
type ParameterData struct {
	Values   []float64    `json:"values"`
	Statuses []DataStatus `json:"statuses"`
}

// Data is a batch of regularly sampled values for the parameters of a feed.
type Data struct {
	EpochNanos      int64           `json:"epoch_nanos"`
	TimestampsNanos []int64         `json:"timestamps_nanos"`
	Parameters      []ParameterData `json:"parameters"`
}

// NewData allocates a batch of samples for paramCount parameters.
func NewData(paramCount, samples int) *Data {
	d := &Data{
		TimestampsNanos: make([]int64, samples),
		Parameters:      make([]ParameterData, paramCount),
	}
	for i := range d.Parameters {
		d.Parameters[i] = ParameterData{
			Values:   make([]float64, samples),
			Statuses: make([]DataStatus, samples),
		}
	}
	return d
}

// Len returns the number of samples.
func (d *Data) Len() int {
	return len(d.TimestampsNanos)
}

// AbsoluteNanos returns the absolute time of sample i.
func (d *Data) AbsoluteNanos(i int) int64 {
	return d.EpochNanos + d.TimestampsNanos[i]
}

// Validate checks the batch against a feed of paramCount parameters.
// A wrong parameter count is ErrSchemaMismatch. Ragged columns and
// non-increasing timestamps are ErrInvalidData.
func (d *Data) Validate(paramCount int) error {
	if d == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Data", "Validate", "nil batch")
	}
	if len(d.Parameters) != paramCount {
		return errors.WrapFatal(
			fmt.Errorf("%w: batch has %d parameters, feed has %d", errors.ErrSchemaMismatch, len(d.Parameters), paramCount),
			"Data", "Validate", "check parameter count")
	}
	n := d.Len()
	for i, p := range d.Parameters {
		if len(p.Values) != n || len(p.Statuses) != n {
			return errors.WrapInvalid(
				fmt.Errorf("%w: parameter %d has %d values and %d statuses for %d timestamps",
					errors.ErrInvalidData, i, len(p.Values), len(p.Statuses), n),
				"Data", "Validate", "check column lengths")
		}
	}
	for i := 1; i < n; i++ {
		if d.TimestampsNanos[i] <= d.TimestampsNanos[i-1] {
			return errors.WrapInvalid(
				fmt.Errorf("%w: timestamp %d is not after timestamp %d", errors.ErrInvalidData, i, i-1),
				"Data", "Validate", "check timestamps")
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d *Data) Clone() *Data {
	c := &Data{
		EpochNanos:      d.EpochNanos,
		TimestampsNanos: append([]int64(nil), d.TimestampsNanos...),
		Parameters:      make([]ParameterData, len(d.Parameters)),
	}
	for i, p := range d.Parameters {
		c.Parameters[i] = ParameterData{
			Values:   append([]float64(nil), p.Values...),
			Statuses: append([]DataStatus(nil), p.Statuses...),
		}
	}
	return c
}

// Select projects the batch onto the given parameter positions, in that order.
// Columns are shared with the receiver.
func (d *Data) Select(indices []int) *Data {
	out := &Data{
		EpochNanos:      d.EpochNanos,
		TimestampsNanos: d.TimestampsNanos,
		Parameters:      make([]ParameterData, len(indices)),
	}
	for i, idx := range indices {
		out.Parameters[i] = d.Parameters[idx]
	}
	return out
}

// Slice returns samples [from, to) sharing storage with the receiver.
func (d *Data) Slice(from, to int) *Data {
	out := &Data{
		EpochNanos:      d.EpochNanos,
		TimestampsNanos: d.TimestampsNanos[from:to],
		Parameters:      make([]ParameterData, len(d.Parameters)),
	}
	for i, p := range d.Parameters {
		out.Parameters[i] = ParameterData{Values: p.Values[from:to], Statuses: p.Statuses[from:to]}
	}
	return out
}
