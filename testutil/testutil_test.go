package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
)

func TestRampData(t *testing.T) {
	d := RampData(2, 3, 5, 10*time.Millisecond)
	require.NoError(t, d.Validate(2))
	assert.Equal(t, Epoch, d.EpochNanos)
	assert.Equal(t, []int64{50_000_000, 60_000_000, 70_000_000}, d.TimestampsNanos)
	assert.Equal(t, []float64{1000, 1001, 1002}, d.Parameters[1].Values)
}

func TestFixtures(t *testing.T) {
	df := ChassisFormat(t)
	assert.ElementsMatch(t, []string{"", "chassis"}, df.FeedNames())
	assert.Len(t, DefaultFormat(t, 10, "a", "b").Feeds[""].ParameterIDs, 2)

	_, ok := PitConfiguration().Parameter("vCar:Chassis")
	assert.True(t, ok)
}

func TestRecordingWriter(t *testing.T) {
	ctx := context.Background()
	w := NewRecordingWriter()
	require.NoError(t, w.Enqueue(ctx, broker.FrameSession, "", 1).Wait(ctx))
	require.NoError(t, w.Enqueue(ctx, broker.FrameData, "chassis", 2).Wait(ctx))

	assert.Len(t, w.Frames(), 2)
	data := w.Frames(broker.FrameData)
	require.Len(t, data, 1)
	assert.Equal(t, "chassis", data[0].Feed)

	w.Fail(errors.ErrConnectionLost)
	assert.ErrorIs(t, w.Enqueue(ctx, broker.FrameData, "", 3).Wait(ctx), errors.ErrConnectionLost)
	assert.Len(t, w.Frames(), 2)

	w.Clear()
	assert.Empty(t, w.Frames())
}

func TestFlakyTopic(t *testing.T) {
	ctx := context.Background()
	topic := &FlakyTopic{TopicName: "t", Failures: 1}

	err := topic.Send(ctx, broker.Frame{Seq: 1})
	assert.True(t, errors.IsTransient(err))
	require.NoError(t, topic.Send(ctx, broker.Frame{Seq: 1}))
	assert.Equal(t, 2, topic.Attempts())
	assert.Len(t, topic.Sent(), 1)

	require.NoError(t, topic.Close(ctx))
	assert.True(t, errors.IsInvalid(topic.Send(ctx, broker.Frame{Seq: 2})))
}

func TestMemoryEnv_RetainsFrames(t *testing.T) {
	ctx := context.Background()
	env := NewMemoryEnv(t)

	topic, err := env.Client.OpenOutputTopic(ctx, "telemetry")
	require.NoError(t, err)
	w, err := broker.NewStreamWriter(topic, "s1")
	require.NoError(t, err)
	require.NoError(t, w.Enqueue(ctx, broker.FrameData, "", RampData(1, 2, 0, time.Millisecond)).Wait(ctx))
	require.NoError(t, w.Close(ctx))

	frames := env.Frames("telemetry", broker.FrameData)
	require.Len(t, frames, 1)
	type batch struct {
		TimestampsNanos []int64 `json:"timestamps_nanos"`
	}
	decoded := DecodeFrames[batch](t, frames)
	assert.Equal(t, []int64{0, 1_000_000}, decoded[0].TimestampsNanos)
}
