package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/telemetry"
)

// Epoch is the epoch of every batch built here.
const Epoch int64 = 1_000_000_000

// RampData builds a batch of n samples for params parameters. Sample i sits
// (first+i)*interval after Epoch and parameter p holds p*1000+i there, so
// every value names its column and row.
func RampData(params, n int, first int64, interval time.Duration) *telemetry.Data {
	d := telemetry.NewData(params, n)
	d.EpochNanos = Epoch
	for i := 0; i < n; i++ {
		d.TimestampsNanos[i] = (first + int64(i)) * int64(interval)
		for p := range d.Parameters {
			d.Parameters[p].Values[i] = float64(p*1000 + i)
			d.Parameters[p].Statuses[i] = telemetry.StatusSample
		}
	}
	return d
}

// ChassisFormat returns a format with a named "chassis" feed of vCar, gLat
// and gLong at 100 Hz and a default feed of rpm at 50 Hz.
func ChassisFormat(t testing.TB) *schema.DataFormat {
	t.Helper()
	chassis, err := schema.DefineNamedFeed("chassis").
		Parameters("vCar:Chassis", "gLat:Chassis", "gLong:Chassis").
		AtFrequency(100).
		BuildFeed()
	require.NoError(t, err)
	engine, err := schema.DefineFeed().Parameters("rpm:Engine").AtFrequency(50).BuildFeed()
	require.NoError(t, err)
	df, err := schema.NewDataFormat(chassis, engine)
	require.NoError(t, err)
	return df
}

// DefaultFormat returns a format whose only feed is the default one.
func DefaultFormat(t testing.TB, hz float64, parameters ...string) *schema.DataFormat {
	t.Helper()
	df, err := schema.DefineFeed().Parameters(parameters...).AtFrequency(hz).BuildFormat()
	require.NoError(t, err)
	return df
}

// PitConfiguration returns a configuration defining the vCar parameter and a
// high priority "pit" event.
func PitConfiguration() *schema.Configuration {
	return &schema.Configuration{AppGroups: map[string]*schema.ApplicationGroup{
		"Chassis": {
			Groups: map[string]*schema.ParameterGroup{
				"Speed": {Parameters: map[string]*schema.Parameter{
					"vCar:Chassis": {Name: "vCar", Units: "km/h"},
				}},
			},
			Events: map[string]*schema.EventDefinition{
				"pit": {Description: "Pit stop", Priority: schema.EventPriorityHigh},
			},
		},
	}}
}
