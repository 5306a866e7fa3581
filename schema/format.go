// Package schema describes feeds and the documents a session depends on.
//
// A FeedFormat names an ordered list of parameter IDs sampled at a fixed
// frequency. The order defines the positional index used by telemetry batches.
// A DataFormat groups the feed formats of a session. A Configuration is the
// parameter and event tree that gives feeds their meaning. Both documents are
// immutable once stored in the registry and are referenced from sessions by
// content ID.
package schema

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/c360/telemetryrelay/errors"
)

// ID is the content ID of a stored schema document.
type ID string

// DependencyType names the kind of document a session dependency refers to.
type DependencyType string

const (
	// DependencyDataFormat references a DataFormat.
	DependencyDataFormat DependencyType = "dataFormat"
	// DependencyConfiguration references a Configuration.
	DependencyConfiguration DependencyType = "atlasConfiguration"
)

// DefaultFeedName is the name of the unnamed feed.
const DefaultFeedName = ""

// DefaultFrequencyHz applies when a feed is built without a frequency.
const DefaultFrequencyHz = 100.0

// FeedFormat is the schema of one feed.
type FeedFormat struct {
	Name         string   `json:"name" yaml:"name"`
	ParameterIDs []string `json:"parameter_ids" yaml:"parameters"`
	FrequencyHz  float64  `json:"frequency_hz" yaml:"frequency_hz"`
}

// Validate checks the feed has unique parameters and a positive frequency.
func (f *FeedFormat) Validate() error {
	if len(f.ParameterIDs) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: feed %q has no parameters", errors.ErrInvalidData, f.Name),
			"FeedFormat", "Validate", "check parameters")
	}
	seen := make(map[string]struct{}, len(f.ParameterIDs))
	for _, id := range f.ParameterIDs {
		if id == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: feed %q has an empty parameter id", errors.ErrInvalidData, f.Name),
				"FeedFormat", "Validate", "check parameters")
		}
		if _, dup := seen[id]; dup {
			return errors.WrapInvalid(fmt.Errorf("%w: feed %q repeats parameter %q", errors.ErrInvalidData, f.Name, id),
				"FeedFormat", "Validate", "check parameters")
		}
		seen[id] = struct{}{}
	}
	if f.FrequencyHz <= 0 || math.IsNaN(f.FrequencyHz) || math.IsInf(f.FrequencyHz, 0) {
		return errors.WrapInvalid(fmt.Errorf("%w: feed %q frequency %v", errors.ErrInvalidData, f.Name, f.FrequencyHz),
			"FeedFormat", "Validate", "check frequency")
	}
	return nil
}

// IndexOf returns the position of a parameter, or -1.
func (f *FeedFormat) IndexOf(parameterID string) int {
	for i, id := range f.ParameterIDs {
		if id == parameterID {
			return i
		}
	}
	return -1
}

// Indices maps parameter IDs to positions, failing with ErrSchemaMismatch on
// any ID the feed does not carry.
func (f *FeedFormat) Indices(parameterIDs []string) ([]int, error) {
	indices := make([]int, len(parameterIDs))
	for i, id := range parameterIDs {
		idx := f.IndexOf(id)
		if idx < 0 {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: feed %q has no parameter %q", errors.ErrSchemaMismatch, f.Name, id),
				"FeedFormat", "Indices", "resolve parameter")
		}
		indices[i] = idx
	}
	return indices, nil
}

// Interval returns the nominal time between samples.
func (f *FeedFormat) Interval() time.Duration {
	if f.FrequencyHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / f.FrequencyHz)
}

// ExpectedSamples returns how many sample slots a window of width holds.
func (f *FeedFormat) ExpectedSamples(width time.Duration) int {
	return int(math.Round(width.Seconds() * f.FrequencyHz))
}

// DataFormat is the set of feed formats of a session, keyed by feed name.
type DataFormat struct {
	Feeds map[string]*FeedFormat `json:"feeds" yaml:"-"`
}

// NewDataFormat builds a DataFormat from feed formats.
func NewDataFormat(feeds ...*FeedFormat) (*DataFormat, error) {
	df := &DataFormat{Feeds: make(map[string]*FeedFormat, len(feeds))}
	for _, f := range feeds {
		if _, dup := df.Feeds[f.Name]; dup {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: duplicate feed %q", errors.ErrInvalidData, f.Name),
				"DataFormat", "NewDataFormat", "add feed")
		}
		df.Feeds[f.Name] = f
	}
	if err := df.Validate(); err != nil {
		return nil, err
	}
	return df, nil
}

// Validate checks every feed.
func (df *DataFormat) Validate() error {
	if len(df.Feeds) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: no feeds", errors.ErrInvalidData),
			"DataFormat", "Validate", "check feeds")
	}
	for name, f := range df.Feeds {
		if f.Name != name {
			return errors.WrapInvalid(fmt.Errorf("%w: feed key %q names %q", errors.ErrInvalidData, name, f.Name),
				"DataFormat", "Validate", "check feed names")
		}
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Feed returns the named feed format.
func (df *DataFormat) Feed(name string) (*FeedFormat, error) {
	if df != nil {
		if f, ok := df.Feeds[name]; ok {
			return f, nil
		}
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrFeedNotFound, name),
		"DataFormat", "Feed", "look up feed")
}

// FeedNames returns the feed names in sorted order.
func (df *DataFormat) FeedNames() []string {
	names := make([]string, 0, len(df.Feeds))
	for name := range df.Feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
