package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/feed"
	"github.com/c360/telemetryrelay/registry"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/session"
	"github.com/c360/telemetryrelay/telemetry"
	"github.com/c360/telemetryrelay/testutil"
	"github.com/c360/telemetryrelay/window"
)

const (
	inputTopic  = "car-data"
	outputTopic = "models"
)

type StreamSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	transport *broker.MemoryTransport
	client    *broker.Client
	registry  *registry.Client
	format    *schema.DataFormat
	config    *schema.Configuration
}

func TestStreamSuite(t *testing.T) {
	suite.Run(t, new(StreamSuite))
}

func (s *StreamSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	env := testutil.NewMemoryEnv(s.T())
	s.transport, s.client, s.registry = env.Transport, env.Client, env.Registry

	var err error
	s.format, err = schema.DefineFeed().Parameters("vCar:Chassis", "gLat:Chassis").AtFrequency(100).BuildFormat()
	s.Require().NoError(err)
	s.config = testutil.PitConfiguration()
}

func (s *StreamSuite) TearDownTest() {
	s.Require().NoError(s.client.Close(context.Background()))
	s.cancel()
}

func (s *StreamSuite) newWriter(opts ...Option) *Writer {
	w, err := NewWriter(s.ctx, s.client, s.registry, inputTopic, s.format, s.config, opts...)
	s.Require().NoError(err)
	return w
}

func (s *StreamSuite) batch(first, n int) *telemetry.Data {
	d := telemetry.NewData(2, n)
	d.EpochNanos = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	for i := 0; i < n; i++ {
		d.TimestampsNanos[i] = int64(first+i) * int64(10*time.Millisecond)
		d.Parameters[0].Values[i] = 200 + float64(first+i)
		d.Parameters[0].Statuses[i] = telemetry.StatusSample
		d.Parameters[1].Values[i] = -1.5 + float64(first+i)/100
		d.Parameters[1].Statuses[i] = telemetry.StatusSample
	}
	d.Parameters[1].Statuses[n-1] = telemetry.StatusMissing
	return d
}

// collector gathers what a reader observed across goroutines.
type collector struct {
	mu       sync.Mutex
	batches  []*telemetry.Data
	finished []StreamFinished
}

func (c *collector) data(_ context.Context, _ string, e feed.DataBuffered) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, e.Data)
	return nil
}

func (c *collector) finish(_ context.Context, f StreamFinished) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, f)
	return nil
}

func (c *collector) finishedStates() []session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []session.State
	for _, f := range c.finished {
		out = append(out, f.State)
	}
	return out
}

func (s *StreamSuite) readData(c *collector, parameters ...string) *broker.Pipeline {
	r, err := NewReader(s.client, s.registry, inputTopic)
	s.Require().NoError(err)
	p, err := r.Read(s.ctx, func(in *Input) error {
		f, err := in.Data.BindDefaultFeed(parameters...)
		if err != nil {
			return err
		}
		f.OnDataBuffered(func(ctx context.Context, e feed.DataBuffered) error {
			return c.data(ctx, in.StreamID(), e)
		})
		in.OnStreamFinished(c.finish)
		return nil
	})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = p.Dispose(context.Background()) })
	return p
}

func (s *StreamSuite) TestDataRoundTrip() {
	w := s.newWriter()
	s.Require().NoError(w.OpenSession(s.ctx, "Silverstone FP1", time.Time{}))
	sent := s.batch(0, 10)
	f, err := w.Write(s.ctx, "", sent)
	s.Require().NoError(err)
	s.Require().NoError(f.Wait(s.ctx))
	s.Require().NoError(w.CloseSession(s.ctx))
	s.Require().NoError(w.Dispose(s.ctx))

	c := &collector{}
	s.readData(c)

	s.Require().Eventually(func() bool { return len(c.finishedStates()) == 1 }, 5*time.Second, 10*time.Millisecond)
	s.Equal([]session.State{session.Closed}, c.finishedStates())
	s.Require().Len(c.batches, 1)
	s.Equal(sent, c.batches[0])
}

func (s *StreamSuite) TestProjectionKeepsBoundParameterOrder() {
	w := s.newWriter()
	s.Require().NoError(w.OpenSession(s.ctx, "run", time.Time{}))
	_, err := w.Write(s.ctx, "", s.batch(0, 5))
	s.Require().NoError(err)
	s.Require().NoError(w.CloseSession(s.ctx))

	c := &collector{}
	s.readData(c, "gLat:Chassis")

	s.Require().Eventually(func() bool { return len(c.finishedStates()) == 1 }, 5*time.Second, 10*time.Millisecond)
	s.Require().Len(c.batches, 1)
	got := c.batches[0]
	s.Require().Len(got.Parameters, 1)
	s.InDelta(-1.5, got.Parameters[0].Values[0], 1e-9)
	s.Equal(telemetry.StatusMissing, got.Parameters[0].Statuses[4])
}

func (s *StreamSuite) TestDisposeWithoutCloseTruncates() {
	w := s.newWriter()
	s.Require().NoError(w.OpenSession(s.ctx, "aborted", time.Time{}))
	s.Require().NoError(w.Dispose(s.ctx))
	s.Require().NoError(w.Dispose(s.ctx))

	c := &collector{}
	s.readData(c)
	s.Require().Eventually(func() bool { return len(c.finishedStates()) == 1 }, 5*time.Second, 10*time.Millisecond)
	s.Equal([]session.State{session.Truncated}, c.finishedStates())

	_, err := w.Write(s.ctx, "", s.batch(0, 1))
	s.ErrorIs(err, errors.ErrSessionTerminated)
}

func (s *StreamSuite) TestCompleteWindowFromBufferedData() {
	w := s.newWriter()
	s.Require().NoError(w.OpenSession(s.ctx, "windows", time.Time{}))
	for step := 0; step < 10; step++ {
		_, err := w.Write(s.ctx, "", s.batch(step*10, 10))
		s.Require().NoError(err)
	}
	s.Require().NoError(w.CloseSession(s.ctx))

	r, err := NewReader(s.client, s.registry, inputTopic, WithBufferOptions(window.WithRetention(32)))
	s.Require().NoError(err)
	windows := make(chan *telemetry.Data, 1)
	p, err := r.ReadData(s.ctx, nil, func(_ context.Context, _ string, e feed.DataBuffered) error {
		start := s.batch(0, 1).EpochNanos
		d, err := e.Buffer.TryGetDataInCompleteWindow(window.Range{Start: start, Width: time.Second})
		if err == nil {
			windows <- d
		}
		return nil
	})
	s.Require().NoError(err)
	defer func() { _ = p.Dispose(context.Background()) }()

	select {
	case d := <-windows:
		s.Equal(100, d.Len())
	case <-s.ctx.Done():
		s.Fail("no complete window")
	}
}

func (s *StreamSuite) TestEventsResolveDefinitions() {
	w := s.newWriter()
	s.Require().NoError(w.OpenSession(s.ctx, "events", time.Time{}))
	_, err := w.SendEvent(s.ctx, &telemetry.Event{ID: "pit", TimeNanos: 42, Values: []float64{1}})
	s.Require().NoError(err)
	s.Require().NoError(w.CloseSession(s.ctx))

	r, err := NewReader(s.client, s.registry, inputTopic)
	s.Require().NoError(err)
	got := make(chan feed.EventsBuffered, 1)
	p, err := r.ReadEvents(s.ctx, func(_ context.Context, _ string, e feed.EventsBuffered) error {
		got <- e
		return nil
	})
	s.Require().NoError(err)
	defer func() { _ = p.Dispose(context.Background()) }()

	select {
	case e := <-got:
		s.Equal("pit", e.Event.ID)
		s.Require().NotNil(e.Definition)
		s.Equal(schema.EventPriorityHigh, e.Definition.Priority)
	case <-s.ctx.Done():
		s.Fail("no event")
	}
}

func (s *StreamSuite) TestReadAndLinkData() {
	w := s.newWriter()
	s.Require().NoError(w.OpenSession(s.ctx, "Monza Q1", time.Time{}))
	sent := s.batch(0, 10)
	_, err := w.Write(s.ctx, "", sent)
	s.Require().NoError(err)
	s.Require().NoError(w.CloseSession(s.ctx))

	a, err := schema.DefineNamedFeed("a").Parameters("vCar:Chassis", "gLat:Chassis").BuildFeed()
	s.Require().NoError(err)
	b, err := schema.DefineNamedFeed("b").Parameters("vCar:Chassis", "gLat:Chassis").BuildFeed()
	s.Require().NoError(err)
	outFormat, err := schema.NewDataFormat(a, b)
	s.Require().NoError(err)
	outFormatID, err := registry.NewDataFormatClient(s.registry).PutAndIdentify(s.ctx, outFormat)
	s.Require().NoError(err)
	topic, err := s.client.OpenOutputTopic(s.ctx, outputTopic)
	s.Require().NoError(err)

	r, err := NewReader(s.client, s.registry, inputTopic)
	s.Require().NoError(err)
	p, err := r.ReadAndLinkData(s.ctx, nil, nil, NewOutputFactory(topic, outFormatID, outFormat), []string{"a", "b"})
	s.Require().NoError(err)
	defer func() { _ = p.Dispose(context.Background()) }()

	var sessions []session.Session
	var data []broker.Frame
	s.Require().Eventually(func() bool {
		sessions, data = nil, nil
		for _, f := range s.transport.Retained(outputTopic) {
			switch f.Kind {
			case broker.FrameSession:
				var snap session.Session
				if err := codec.Decode(f.Encoding, f.Payload, &snap); err != nil {
					return false
				}
				sessions = append(sessions, snap)
			case broker.FrameData:
				data = append(data, f)
			}
		}
		return len(sessions) > 0 && sessions[len(sessions)-1].State == session.Closed
	}, 5*time.Second, 10*time.Millisecond)

	s.Equal(session.Open, sessions[0].State)
	s.Equal("Monza Q1_models", sessions[0].Identifier)
	s.Equal([]schema.ID{outFormatID}, sessions[0].DependencyIDs(schema.DependencyDataFormat))
	s.Equal([]schema.ID{w.ConfigurationID()}, sessions[0].DependencyIDs(schema.DependencyConfiguration))
	for _, snap := range sessions[1 : len(sessions)-1] {
		s.Equal(session.Open, snap.State)
	}

	s.Require().Len(data, 2)
	s.Equal("a", data[0].Feed)
	s.Equal("b", data[1].Feed)
	s.Equal(data[0].Payload, data[1].Payload)
	var relayed telemetry.Data
	s.Require().NoError(codec.Decode(data[0].Encoding, data[0].Payload, &relayed))
	s.Equal(*sent, relayed)
}

func (s *StreamSuite) TestReaderRequiresFanOutTargets() {
	r, err := NewReader(s.client, s.registry, inputTopic)
	s.Require().NoError(err)
	_, err = r.ReadAndLinkData(s.ctx, nil, nil, nil, nil)
	s.ErrorIs(err, errors.ErrRelayConfiguration)
}

func (s *StreamSuite) TestInputRejectsDataBeforeFormat() {
	in, err := NewInput("s1", registry.NewDataFormatClient(s.registry))
	s.Require().NoError(err)
	_, err = in.Data.BindDefaultFeed()
	s.Require().NoError(err)

	payload, err := codec.DefaultEncoding().Encode(s.batch(0, 1))
	s.Require().NoError(err)
	finished, err := in.Deliver(s.ctx, broker.Frame{
		Topic: inputTopic, StreamID: "s1", Kind: broker.FrameData, Encoding: codec.NameJSON, Payload: payload,
	})
	s.False(finished)
	s.ErrorIs(err, errors.ErrDependencyNotResolvable)

	_, err = in.Configuration(s.ctx)
	s.ErrorIs(err, errors.ErrDependencyNotResolvable)
}

func (s *StreamSuite) TestOutputRetriesTransientSendFailures() {
	topic := &testutil.FlakyTopic{TopicName: outputTopic, Failures: 2}
	out, err := NewOutput(topic, "df-1", s.format, WithStreamID("flaky"))
	s.Require().NoError(err)

	f, err := out.Session.Open(s.ctx, "retry", time.Time{})
	s.Require().NoError(err)
	s.Require().NoError(f.Wait(s.ctx))
	s.Require().NoError(out.Dispose(s.ctx))

	s.Equal(4, topic.Attempts(), "two failed attempts, the open and the truncation")
	sent := testutil.DecodeFrames[session.Session](s.T(), testutil.FramesOfKind(topic.Sent(), broker.FrameSession))
	s.Require().Len(sent, 2)
	s.Equal(session.Open, sent[0].State)
	s.Equal(session.Truncated, sent[1].State)
}
