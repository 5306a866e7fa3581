package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/errors"
)

func TestDefineFeed_Defaults(t *testing.T) {
	feed, err := DefineFeed().Parameter("vCar:Chassis").BuildFeed()
	require.NoError(t, err)

	assert.Equal(t, DefaultFeedName, feed.Name)
	assert.Equal(t, 100.0, feed.FrequencyHz)
	assert.Equal(t, 10*time.Millisecond, feed.Interval())
}

func TestFeedFormat_PositionalIndex(t *testing.T) {
	feed, err := DefineNamedFeed("chassis").
		Parameters("gLat:Chassis", "gLong:Chassis", "vCar:Chassis").
		AtFrequency(200).
		BuildFeed()
	require.NoError(t, err)

	assert.Equal(t, 1, feed.IndexOf("gLong:Chassis"))
	assert.Equal(t, -1, feed.IndexOf("nEngine:Engine"))

	idx, err := feed.Indices([]string{"vCar:Chassis", "gLat:Chassis"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, idx)

	_, err = feed.Indices([]string{"nEngine:Engine"})
	assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
}

func TestFeedFormat_ExpectedSamples(t *testing.T) {
	feed := &FeedFormat{Name: "", ParameterIDs: []string{"a"}, FrequencyHz: 100}

	assert.Equal(t, 100, feed.ExpectedSamples(time.Second))
	assert.Equal(t, 10, feed.ExpectedSamples(100*time.Millisecond))
	assert.Equal(t, 0, feed.ExpectedSamples(0))

	odd := &FeedFormat{ParameterIDs: []string{"a"}, FrequencyHz: 3}
	assert.Equal(t, 2, odd.ExpectedSamples(500*time.Millisecond))
}

func TestFeedFormat_Validate(t *testing.T) {
	tests := []struct {
		name string
		feed FeedFormat
	}{
		{"no parameters", FeedFormat{FrequencyHz: 100}},
		{"empty parameter", FeedFormat{ParameterIDs: []string{""}, FrequencyHz: 100}},
		{"duplicate parameter", FeedFormat{ParameterIDs: []string{"a", "a"}, FrequencyHz: 100}},
		{"zero frequency", FeedFormat{ParameterIDs: []string{"a"}}},
		{"negative frequency", FeedFormat{ParameterIDs: []string{"a"}, FrequencyHz: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.feed.Validate()
			assert.ErrorIs(t, err, errors.ErrInvalidData)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestBuildFeed_CopiesParameters(t *testing.T) {
	b := DefineFeed().Parameters("a", "b")
	feed, err := b.BuildFeed()
	require.NoError(t, err)

	b.Parameter("c")
	assert.Equal(t, []string{"a", "b"}, feed.ParameterIDs)
}

func TestDataFormat_Feeds(t *testing.T) {
	chassis, err := DefineNamedFeed("chassis").Parameters("gLat:Chassis").BuildFeed()
	require.NoError(t, err)
	engine, err := DefineNamedFeed("engine").Parameters("nEngine:Engine").AtFrequency(50).BuildFeed()
	require.NoError(t, err)

	df, err := NewDataFormat(engine, chassis)
	require.NoError(t, err)
	assert.Equal(t, []string{"chassis", "engine"}, df.FeedNames())

	got, err := df.Feed("engine")
	require.NoError(t, err)
	assert.Same(t, engine, got)

	_, err = df.Feed("brakes")
	assert.ErrorIs(t, err, errors.ErrFeedNotFound)

	_, err = NewDataFormat(chassis, chassis)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	var nilFormat *DataFormat
	_, err = nilFormat.Feed("")
	assert.ErrorIs(t, err, errors.ErrFeedNotFound)
}

func TestConfiguration_Lookup(t *testing.T) {
	cfg := &Configuration{AppGroups: map[string]*ApplicationGroup{
		"Chassis": {
			Groups: map[string]*ParameterGroup{
				"State": {Parameters: map[string]*Parameter{
					"vCar:Chassis": {Name: "vCar", Units: "kmh", PhysicalRange: &Range{Min: 0, Max: 400}},
				}},
			},
		},
		"Gearbox": {
			Events: map[string]*EventDefinition{
				"State": {Description: "Gearbox state changed", Priority: EventPriorityHigh, ConversionIDs: []string{"1to1"}},
			},
		},
	}}
	require.NoError(t, cfg.Validate())

	p, ok := cfg.Parameter("vCar:Chassis")
	require.True(t, ok)
	assert.Equal(t, "kmh", p.Units)
	assert.True(t, p.PhysicalRange.Contains(120))
	assert.False(t, p.PhysicalRange.Contains(-1))

	ev, ok := cfg.EventDefinition("State")
	require.True(t, ok)
	assert.Equal(t, EventPriorityHigh, ev.Priority)

	_, ok = cfg.Parameter("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"vCar:Chassis"}, cfg.ParameterIDs())
}

func TestConfiguration_ValidateRejectsDuplicates(t *testing.T) {
	cfg := &Configuration{AppGroups: map[string]*ApplicationGroup{
		"A": {Groups: map[string]*ParameterGroup{"g": {Parameters: map[string]*Parameter{"p": {Name: "p"}}}}},
		"B": {Groups: map[string]*ParameterGroup{"g": {Parameters: map[string]*Parameter{"p": {Name: "p"}}}}},
	}}
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidData)

	bad := &Configuration{AppGroups: map[string]*ApplicationGroup{
		"A": {Groups: map[string]*ParameterGroup{"g": {Parameters: map[string]*Parameter{
			"p": {Name: "p", WarningRange: &Range{Min: 5, Max: 1}},
		}}}},
	}}
	assert.ErrorIs(t, bad.Validate(), errors.ErrInvalidData)
}

func TestParseDataFormat(t *testing.T) {
	df, err := ParseDataFormat([]byte(`
feeds:
  - name: ""
    parameters: ["gLat:Chassis", "gLong:Chassis"]
  - name: models
    frequency_hz: 50
    parameters: ["gTotal:vTag"]
`))
	require.NoError(t, err)

	feed, err := df.Feed("")
	require.NoError(t, err)
	assert.Equal(t, 100.0, feed.FrequencyHz)
	assert.Equal(t, []string{"gLat:Chassis", "gLong:Chassis"}, feed.ParameterIDs)

	models, err := df.Feed("models")
	require.NoError(t, err)
	assert.Equal(t, 50.0, models.FrequencyHz)

	_, err = ParseDataFormat([]byte("feeds: [oops"))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
}

func TestLoadConfigurationFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_groups:
  Chassis:
    groups:
      State:
        parameters:
          "vCar:Chassis":
            name: vCar
            units: kmh
  Gearbox:
    events:
      State:
        description: Gearbox state changed
        priority: high
        conversion_ids: [1to1]
`), 0o600))

	cfg, err := LoadConfigurationFile(path)
	require.NoError(t, err)

	p, ok := cfg.Parameter("vCar:Chassis")
	require.True(t, ok)
	assert.Equal(t, "vCar", p.Name)

	ev, ok := cfg.EventDefinition("State")
	require.True(t, ok)
	assert.Equal(t, []string{"1to1"}, ev.ConversionIDs)

	_, err = LoadConfigurationFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
