package relay

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/feed"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/session"
	"github.com/c360/telemetryrelay/telemetry"
	"github.com/c360/telemetryrelay/testutil"
)

const outputTopic = "models"

type harness struct {
	transport *broker.MemoryTransport
	writer    *broker.StreamWriter
	out       *session.Output
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	transport := broker.NewMemoryTransport()
	topic, err := transport.OpenOutputTopic(ctx, outputTopic)
	require.NoError(t, err)
	w, err := broker.NewStreamWriter(topic, "out-1")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Close(context.Background())
		_ = transport.Close(context.Background())
	})
	return &harness{transport: transport, writer: w, out: session.NewOutput(w, session.WithID("out-1"))}
}

func (h *harness) frames(kind broker.FrameKind) []broker.Frame {
	return testutil.FramesOfKind(h.transport.Retained(outputTopic), kind)
}

func (h *harness) sessions(t *testing.T) []session.Session {
	t.Helper()
	return testutil.DecodeFrames[session.Session](t, h.frames(broker.FrameSession))
}

func states(ss []session.Session) []session.State {
	out := make([]session.State, len(ss))
	for i, s := range ss {
		out[i] = s.State
	}
	return out
}

func TestNewLink_RequiresMapper(t *testing.T) {
	h := newHarness(t)
	_, err := NewLink(session.NewInput("in-1", nil), h.out, nil)
	assert.ErrorIs(t, err, errors.ErrRelayConfiguration)
	assert.True(t, errors.IsFatal(err))

	_, err = NewLink(nil, h.out, SuffixMapper("_x"))
	assert.ErrorIs(t, err, errors.ErrRelayConfiguration)
}

func TestLink_PropagatesLifecycleOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := session.NewInput("in-1", nil)
	_, err := NewLink(in, h.out, SuffixMapper("_Models"))
	require.NoError(t, err)
	require.NoError(t, h.out.AddDependency(schema.DependencyDataFormat, "own-format"))

	start := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	open := session.Session{
		ID: "in-1", State: session.Open, Identifier: "Silverstone FP1", Start: &start,
		Dependencies: map[schema.DependencyType][]schema.ID{
			schema.DependencyDataFormat:    {"input-format"},
			schema.DependencyConfiguration: {"config"},
		},
	}
	require.NoError(t, in.Apply(ctx, open))
	require.NoError(t, in.Apply(ctx, open))

	running := open.Clone()
	running.DurationNanos = int64(5 * time.Second)
	require.NoError(t, in.Apply(ctx, running))

	closed := running.Clone()
	closed.State = session.Closed
	closed.DurationNanos = int64(6 * time.Second)
	require.NoError(t, in.Apply(ctx, closed))
	require.NoError(t, h.writer.Flush(ctx))

	sent := h.sessions(t)
	assert.Equal(t, []session.State{session.Open, session.Open, session.Closed}, states(sent))

	first := sent[0]
	assert.Equal(t, "Silverstone FP1_Models", first.Identifier)
	require.NotNil(t, first.Start)
	assert.True(t, start.Equal(*first.Start))
	assert.Equal(t, []schema.ID{"own-format"}, first.DependencyIDs(schema.DependencyDataFormat))
	assert.Equal(t, []schema.ID{"config"}, first.DependencyIDs(schema.DependencyConfiguration))

	assert.Equal(t, 5*time.Second, sent[1].Duration())
	assert.Equal(t, 6*time.Second, sent[2].Duration())
	assert.Equal(t, session.Closed, h.out.State())
}

func TestLink_PropagatesTruncation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := session.NewInput("in-1", nil)
	_, err := NewLink(in, h.out, IdentityMapper)
	require.NoError(t, err)

	require.NoError(t, in.Apply(ctx, session.Session{ID: "in-1", State: session.Open, Identifier: "run"}))
	require.NoError(t, in.Apply(ctx, session.Session{ID: "in-1", State: session.Truncated, Identifier: "run"}))
	require.NoError(t, h.writer.Flush(ctx))

	assert.Equal(t, []session.State{session.Open, session.Truncated}, states(h.sessions(t)))
}

func TestLink_MapperFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := session.NewInput("in-1", nil)
	boom := stderrors.New("no mapping")
	link, err := NewLink(in, h.out, func(string) (string, error) { return "", boom })
	require.NoError(t, err)

	err = in.Apply(ctx, session.Session{ID: "in-1", State: session.Open, Identifier: "run"})
	assert.ErrorIs(t, err, errors.ErrRelayConfiguration)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, link.Err(), errors.ErrRelayConfiguration)
}

func TestLink_UnlinkAndSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := session.NewInput("in-1", nil)
	require.NoError(t, in.Apply(ctx, session.Session{ID: "in-1", State: session.Open, Identifier: "late"}))

	link, err := NewLink(in, h.out, SuffixMapper("_copy"))
	require.NoError(t, err)
	require.NoError(t, link.Sync(ctx))
	assert.Equal(t, session.Open, h.out.State())
	assert.Equal(t, "late_copy", h.out.Snapshot().Identifier)

	link.Unlink()
	require.NoError(t, in.Apply(ctx, session.Session{ID: "in-1", State: session.Closed, Identifier: "late"}))
	assert.Equal(t, session.Open, h.out.State())
}

func testOutputFormat(t *testing.T) *schema.DataFormat {
	t.Helper()
	a, err := schema.DefineNamedFeed("a").Parameters("gTotal:vTag").AtFrequency(100).BuildFeed()
	require.NoError(t, err)
	b, err := schema.DefineNamedFeed("b").Parameters("gTotal:vTag").AtFrequency(100).BuildFeed()
	require.NoError(t, err)
	df, err := schema.NewDataFormat(a, b)
	require.NoError(t, err)
	return df
}

func TestFanOut_ForwardData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := feed.NewDataOutput(h.out, testOutputFormat(t))

	data := telemetry.NewData(1, 3)
	data.EpochNanos = 42
	for i := range data.TimestampsNanos {
		data.TimestampsNanos[i] = int64(i) * int64(10*time.Millisecond)
		data.Parameters[0].Values[i] = float64(i) + 0.5
		data.Parameters[0].Statuses[i] = telemetry.StatusSample
	}

	require.NoError(t, FanOut{Outputs: []string{"a", "b"}}.ForwardData(ctx, out, data))

	frames := h.frames(broker.FrameData)
	require.Len(t, frames, 2)
	assert.Equal(t, "a", frames[0].Feed)
	assert.Equal(t, "b", frames[1].Feed)
	assert.Equal(t, frames[0].Payload, frames[1].Payload)
	assert.Less(t, frames[0].Seq, frames[1].Seq)

	var got telemetry.Data
	require.NoError(t, codec.Decode(frames[1].Encoding, frames[1].Payload, &got))
	assert.Equal(t, *data, got)
}

func TestFanOut_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := feed.NewDataOutput(h.out, testOutputFormat(t))

	assert.ErrorIs(t, FanOut{}.ForwardData(ctx, out, telemetry.NewData(1, 1)), errors.ErrRelayConfiguration)
	assert.ErrorIs(t, FanOut{Outputs: []string{"a", "a"}}.Validate(), errors.ErrRelayConfiguration)

	err := FanOut{Outputs: []string{"a", "b"}}.ForwardData(ctx, out, telemetry.NewData(2, 1))
	assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
	assert.Empty(t, h.frames(broker.FrameData))

	err = FanOut{Outputs: []string{"a", "missing"}}.ForwardData(ctx, out, telemetry.NewData(1, 1))
	assert.ErrorIs(t, err, errors.ErrFeedNotFound)
	assert.Empty(t, h.frames(broker.FrameData))
}

func TestFanOut_ForwardSamples(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	out := feed.NewSamplesOutput(h.out, testOutputFormat(t))

	s := telemetry.NewSamples()
	s.Add("gTotal:vTag", 0, 1, 2.5)
	require.NoError(t, FanOut{Outputs: []string{"a", "b"}}.ForwardSamples(ctx, out, s))

	frames := h.frames(broker.FrameSamples)
	require.Len(t, frames, 2)
	assert.Equal(t, frames[0].Payload, frames[1].Payload)
}
