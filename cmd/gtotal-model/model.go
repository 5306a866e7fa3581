package main

import (
	"math"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/telemetry"
)

// Model parameters
const (
	gLatParameter   = "gLat:Chassis"
	gLongParameter  = "gLong:Chassis"
	gTotalParameter = "gTotal:vTag"
)

// outputFormat is the format of the relayed model output: gTotal on the
// default feed.
func outputFormat(hz float64) (*schema.DataFormat, error) {
	return schema.DefineFeed().Parameters(gTotalParameter).AtFrequency(hz).BuildFormat()
}

// outputConfiguration describes gTotal for display.
func outputConfiguration() *schema.Configuration {
	return &schema.Configuration{AppGroups: map[string]*schema.ApplicationGroup{
		"vTag": {
			Groups: map[string]*schema.ParameterGroup{
				"Models": {Parameters: map[string]*schema.Parameter{
					gTotalParameter: {
						Name:          "gTotal",
						Description:   "Combined lateral and longitudinal acceleration",
						Units:         "g",
						FormatString:  "%5.2f",
						PhysicalRange: &schema.Range{Min: 0, Max: 10},
					},
				}},
			},
		},
	}}
}

// gTotal computes |gLat| + |gLong| for a batch whose first two columns are
// gLat and gLong. A sample is valid only when both inputs are.
func gTotal(in *telemetry.Data) (*telemetry.Data, error) {
	if err := in.Validate(2); err != nil {
		return nil, errors.Wrap(err, "gtotal", "gTotal", "check input batch")
	}

	n := in.Len()
	out := telemetry.NewData(1, n)
	out.EpochNanos = in.EpochNanos
	copy(out.TimestampsNanos, in.TimestampsNanos)

	gLat, gLong := in.Parameters[0], in.Parameters[1]
	for i := 0; i < n; i++ {
		out.Parameters[0].Values[i] = math.Abs(gLat.Values[i]) + math.Abs(gLong.Values[i])
		if gLat.Statuses[i].Has(telemetry.StatusSample) && gLong.Statuses[i].Has(telemetry.StatusSample) {
			out.Parameters[0].Statuses[i] = telemetry.StatusSample
		} else {
			out.Parameters[0].Statuses[i] = telemetry.StatusMissing
		}
	}
	return out, nil
}
