package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/session"
	"github.com/c360/telemetryrelay/stream"
	"github.com/c360/telemetryrelay/telemetry"
	"github.com/c360/telemetryrelay/testutil"
)

func TestParseFlags_Defaults(t *testing.T) {
	cli, _, err := parseFlags([]string{"--topic", "car-data"})
	require.NoError(t, err)
	assert.Equal(t, "car-data", cli.Topic)
	assert.Equal(t, defaultIdentifier, cli.Identifier)
	assert.Equal(t, defaultParameters, cli.Parameters)
	assert.Equal(t, 100.0, cli.FrequencyHz)
	assert.Equal(t, time.Minute, cli.Duration)

	_, _, err = parseFlags([]string{"--frequency", "0"})
	assert.Error(t, err)
	_, _, err = parseFlags([]string{"extra"})
	assert.Error(t, err)
}

func TestLoadConfig_RequiresTopic(t *testing.T) {
	_, err := loadConfig(&CLIConfig{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg, err := loadConfig(&CLIConfig{Topic: "car-data"})
	require.NoError(t, err)
	assert.Equal(t, "car-data", cfg.Topics.Output)
}

func TestLoadSchemas_Generated(t *testing.T) {
	df, conf, err := loadSchemas(&CLIConfig{Parameters: defaultParameters, FrequencyHz: 100})
	require.NoError(t, err)

	ff, err := df.Feed(schema.DefaultFeedName)
	require.NoError(t, err)
	assert.Equal(t, defaultParameters, ff.ParameterIDs)
	assert.Equal(t, 100.0, ff.FrequencyHz)

	require.NoError(t, conf.Validate())
	p, ok := conf.Parameter("gLat:Chassis")
	require.True(t, ok)
	assert.Equal(t, "gLat", p.Name)
	assert.Equal(t, &schema.Range{Min: -1000, Max: 1000}, p.PhysicalRange)
	assert.Contains(t, conf.AppGroups, "Chassis")
}

func TestLoadSchemas_Files(t *testing.T) {
	dir := t.TempDir()
	formatPath := filepath.Join(dir, "format.yaml")
	require.NoError(t, os.WriteFile(formatPath, []byte(`
feeds:
  - name: fast
    parameters: [vCar:Chassis]
    frequency_hz: 200
`), 0o600))

	df, conf, err := loadSchemas(&CLIConfig{FormatPath: formatPath})
	require.NoError(t, err)
	assert.Equal(t, []string{"fast"}, df.FeedNames())
	_, ok := conf.Parameter("vCar:Chassis")
	assert.True(t, ok)

	_, _, err = loadSchemas(&CLIConfig{FormatPath: formatPath, ConfigurationPath: filepath.Join(dir, "absent.yaml")})
	assert.Error(t, err)
}

func newTestWriter(t *testing.T, env *testutil.MemoryEnv, df *schema.DataFormat) *stream.Writer {
	t.Helper()
	w, err := stream.NewWriter(context.Background(), env.Client, env.Registry, "car-data", df, signalConfiguration(df))
	require.NoError(t, err)
	return w
}

func TestSessionWriter_WritesForDuration(t *testing.T) {
	env := testutil.NewMemoryEnv(t)
	df := testutil.DefaultFormat(t, 100, defaultParameters...)
	w := newTestWriter(t, env, df)

	s := &sessionWriter{writer: w, format: df, seed: 7, logger: slog.New(slog.DiscardHandler)}
	require.NoError(t, s.write(context.Background(), "Test rig", 300*time.Millisecond))
	require.NoError(t, w.CloseSession(context.Background()))
	require.NoError(t, w.Dispose(context.Background()))
	assert.Equal(t, 300*time.Millisecond, s.elapsed())

	sessions := testutil.DecodeFrames[session.Session](t, env.Frames("car-data", broker.FrameSession))
	require.NotEmpty(t, sessions)
	last := sessions[len(sessions)-1]
	assert.Equal(t, session.Closed, last.State)
	assert.Equal(t, "Test rig", last.Identifier)
	assert.Equal(t, 300*time.Millisecond, last.Duration())

	data := testutil.DecodeFrames[telemetry.Data](t, env.Frames("car-data", broker.FrameData))
	require.Len(t, data, 3)
	for i, d := range data {
		require.NoError(t, d.Validate(2))
		assert.Equal(t, stepSamples, d.Len())
		assert.Equal(t, int64(i*stepSamples)*int64(10*time.Millisecond), d.TimestampsNanos[0])
	}
}

func TestSessionWriter_InterruptTruncates(t *testing.T) {
	env := testutil.NewMemoryEnv(t)
	df := testutil.DefaultFormat(t, 100, defaultParameters...)
	w := newTestWriter(t, env, df)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s := &sessionWriter{writer: w, format: df, seed: 7, logger: slog.New(slog.DiscardHandler)}
	err := s.write(ctx, "Test rig", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, w.Dispose(context.Background()))

	sessions := testutil.DecodeFrames[session.Session](t, env.Frames("car-data", broker.FrameSession))
	require.NotEmpty(t, sessions)
	assert.Equal(t, session.Truncated, sessions[len(sessions)-1].State)
}
