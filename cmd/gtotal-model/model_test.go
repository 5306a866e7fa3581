package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/config"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/service"
	"github.com/c360/telemetryrelay/session"
	"github.com/c360/telemetryrelay/stream"
	"github.com/c360/telemetryrelay/telemetry"
	"github.com/c360/telemetryrelay/testutil"
)

func TestGTotal(t *testing.T) {
	in := telemetry.NewData(2, 3)
	in.EpochNanos = 100
	in.TimestampsNanos = []int64{1, 2, 3}
	in.Parameters[0].Values = []float64{-1.5, 0.5, 2}
	in.Parameters[1].Values = []float64{0.5, -2, 1}
	in.Parameters[0].Statuses = []telemetry.DataStatus{telemetry.StatusSample, telemetry.StatusSample, telemetry.StatusMissing}
	in.Parameters[1].Statuses = []telemetry.DataStatus{
		telemetry.StatusSample | telemetry.StatusOutOfRange, telemetry.StatusMissing, telemetry.StatusSample,
	}

	out, err := gTotal(in)
	require.NoError(t, err)
	require.NoError(t, out.Validate(1))

	assert.Equal(t, int64(100), out.EpochNanos)
	assert.Equal(t, []int64{1, 2, 3}, out.TimestampsNanos)
	assert.Equal(t, []float64{2, 2.5, 3}, out.Parameters[0].Values)
	assert.Equal(t, []telemetry.DataStatus{
		telemetry.StatusSample, telemetry.StatusMissing, telemetry.StatusMissing,
	}, out.Parameters[0].Statuses)

	in.TimestampsNanos[0] = 9
	assert.Equal(t, int64(1), out.TimestampsNanos[0], "timestamps are copied")
}

func TestGTotal_RejectsWrongShape(t *testing.T) {
	_, err := gTotal(telemetry.NewData(1, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cfg, err := loadConfig(&CLIConfig{InputTopic: "car-data", OutputTopic: "models", LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "car-data", cfg.Topics.Input)
	assert.Equal(t, "models", cfg.Topics.Output)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, defaultSuffix, cfg.Session.IdentifierSuffix)

	_, err = loadConfig(&CLIConfig{InputTopic: "car-data"})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestModel_RelaysSessionWithGTotal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := testutil.NewMemoryEnv(t)
	cfg := config.Defaults()
	cfg.Topics.Input = "car-data"
	cfg.Topics.Output = "models"
	cfg.Session.IdentifierSuffix = defaultSuffix

	rt, err := service.New(appName, cfg, service.WithTransport(env.Transport), service.WithRegistryBackend(env.Backend))
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	defer func() { _ = rt.Stop(context.Background()) }()

	m, err := newModel(ctx, rt, cfg, 100)
	require.NoError(t, err)
	pipeline, err := m.start(ctx)
	require.NoError(t, err)
	defer func() { _ = pipeline.Dispose(context.Background()) }()

	df := testutil.DefaultFormat(t, 100, "vCar:Chassis", gLatParameter, gLongParameter)
	w, err := stream.NewWriter(ctx, rt.Broker(), rt.Registry(), "car-data", df, nil)
	require.NoError(t, err)
	require.NoError(t, w.OpenSession(ctx, "Spa FP2", time.Time{}))
	batch := testutil.RampData(3, 10, 0, 10*time.Millisecond)
	_, err = w.Write(ctx, schema.DefaultFeedName, batch)
	require.NoError(t, err)
	require.NoError(t, w.CloseSession(ctx))
	require.NoError(t, w.Dispose(ctx))

	var sessions []session.Session
	require.Eventually(t, func() bool {
		sessions = testutil.DecodeFrames[session.Session](t, env.Frames("models", broker.FrameSession))
		return len(sessions) > 0 && sessions[len(sessions)-1].State == session.Closed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "Spa FP2_Models", sessions[0].Identifier)
	assert.Equal(t, []schema.ID{m.formatID}, sessions[0].DependencyIDs(schema.DependencyDataFormat))
	assert.Equal(t, []schema.ID{m.configID}, sessions[0].DependencyIDs(schema.DependencyConfiguration))

	data := testutil.DecodeFrames[telemetry.Data](t, env.Frames("models", broker.FrameData))
	require.Len(t, data, 1)
	require.Len(t, data[0].Parameters, 1)
	// gLat column holds 1000+i and gLong 2000+i.
	for i, v := range data[0].Parameters[0].Values {
		assert.Equal(t, float64(3000+2*i), v)
	}
}
