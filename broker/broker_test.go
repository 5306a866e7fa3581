package broker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/pkg/retry"
)

// recordingInput records delivered frames and finishes on a session frame whose payload is "end".
type recordingInput struct {
	mu       sync.Mutex
	frames   []Frame
	finished chan struct{}
	once     sync.Once
}

func newRecordingInput() *recordingInput {
	return &recordingInput{finished: make(chan struct{})}
}

func (r *recordingInput) Deliver(_ context.Context, f Frame) (bool, error) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()

	var s string
	if f.Kind == FrameSession {
		_ = codec.Decode(f.Encoding, f.Payload, &s)
	}
	return s == "end", nil
}

func (r *recordingInput) Finish(context.Context) {
	r.once.Do(func() { close(r.finished) })
}

func (r *recordingInput) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

type inputs struct {
	mu  sync.Mutex
	all map[string]*recordingInput
}

func (in *inputs) factory(id string) (StreamInput, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.all == nil {
		in.all = make(map[string]*recordingInput)
	}
	r := newRecordingInput()
	in.all[id] = r
	return r, nil
}

func (in *inputs) get(id string) *recordingInput {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.all[id]
}

// flakyTopic fails the first n sends with a transient error.
type flakyTopic struct {
	OutputTopic
	failures atomic.Int32
	sent     []Frame
	mu       sync.Mutex
}

func (f *flakyTopic) Send(ctx context.Context, frame Frame) error {
	if f.failures.Add(-1) >= 0 {
		return errors.WrapTransient(errors.ErrConnectionLost, "flakyTopic", "Send", "send")
	}
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return f.OutputTopic.Send(ctx, frame)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestFrameKind_RoundTrip(t *testing.T) {
	for _, k := range []FrameKind{FrameSession, FrameData, FrameSamples, FrameEvents} {
		parsed, err := ParseFrameKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseFrameKind("bogus")
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestFrame_Validate(t *testing.T) {
	assert.NoError(t, Frame{Topic: "t", StreamID: "s", Kind: FrameData}.Validate())
	assert.ErrorIs(t, Frame{StreamID: "s", Kind: FrameData}.Validate(), errors.ErrInvalidData)
	assert.ErrorIs(t, Frame{Topic: "t", Kind: FrameData}.Validate(), errors.ErrInvalidData)
	assert.ErrorIs(t, Frame{Topic: "t", StreamID: "s"}.Validate(), errors.ErrInvalidData)
}

func TestFuture(t *testing.T) {
	f := newFuture()
	assert.NoError(t, f.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)

	boom := stderrors.New("boom")
	f.complete(boom)
	f.complete(nil)
	assert.ErrorIs(t, f.Err(), boom)
	assert.ErrorIs(t, f.Wait(context.Background()), boom)
}

func TestWaitAll_JoinsErrors(t *testing.T) {
	a, b := stderrors.New("a"), stderrors.New("b")
	err := WaitAll(context.Background(), CompletedFuture(nil), CompletedFuture(a), nil, CompletedFuture(b))
	assert.ErrorIs(t, err, a)
	assert.ErrorIs(t, err, b)

	assert.NoError(t, WaitAll(context.Background(), CompletedFuture(nil)))
}

func TestMemoryTransport_ReplaysToLateSubscriber(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	topic, err := transport.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, topic.Send(ctx, Frame{StreamID: "s", Kind: FrameData, Seq: uint64(i)}))
	}

	got := make(chan Frame, 10)
	sub, err := transport.Subscribe(ctx, "t", "", func(_ context.Context, f Frame) error {
		got <- f
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, topic.Send(ctx, Frame{StreamID: "s", Kind: FrameData, Seq: 4}))

	for i := 1; i <= 4; i++ {
		select {
		case f := <-got:
			assert.Equal(t, uint64(i), f.Seq)
			assert.Equal(t, "t", f.Topic)
		case <-time.After(time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
}

func TestMemoryTransport_GroupSplitsStreams(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	topic, err := transport.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)

	var a, b, solo atomic.Int32
	subA, err := transport.Subscribe(ctx, "t", "g", func(context.Context, Frame) error { a.Add(1); return nil })
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := transport.Subscribe(ctx, "t", "g", func(context.Context, Frame) error { b.Add(1); return nil })
	require.NoError(t, err)
	defer subB.Unsubscribe()
	subSolo, err := transport.Subscribe(ctx, "t", "", func(context.Context, Frame) error { solo.Add(1); return nil })
	require.NoError(t, err)
	defer subSolo.Unsubscribe()

	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		require.NoError(t, topic.Send(ctx, Frame{StreamID: id, Kind: FrameData}))
	}

	assert.Eventually(t, func() bool {
		return a.Load()+b.Load() == 6 && solo.Load() == 6
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryTransport_RetentionBounded(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport(WithRetention(2))
	topic, err := transport.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, topic.Send(ctx, Frame{StreamID: "s", Kind: FrameData, Seq: uint64(i)}))
	}
	retained := transport.Retained("t")
	require.Len(t, retained, 2)
	assert.Equal(t, uint64(2), retained[0].Seq)
}

func TestMemoryTransport_Closed(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	topic, err := transport.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, transport.Close(ctx))

	err = topic.Send(ctx, Frame{StreamID: "s", Kind: FrameData})
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
	_, err = transport.OpenOutputTopic(ctx, "u")
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
}

func TestStreamWriter_OrdersAndNumbersFrames(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	topic, err := transport.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)

	w, err := NewStreamWriter(topic, "s1", WithQueueSize(4))
	require.NoError(t, err)

	var futures []*Future
	for i := 0; i < 20; i++ {
		futures = append(futures, w.Enqueue(ctx, FrameData, "", i))
	}
	require.NoError(t, WaitAll(ctx, futures...))
	require.NoError(t, w.Close(ctx))

	retained := transport.Retained("t")
	require.Len(t, retained, 20)
	for i, f := range retained {
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Equal(t, codec.NameJSON, f.Encoding)
		var v int
		require.NoError(t, codec.Decode(f.Encoding, f.Payload, &v))
		assert.Equal(t, i, v)
	}
}

func TestStreamWriter_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner, err := NewMemoryTransport().OpenOutputTopic(ctx, "t")
	require.NoError(t, err)
	topic := &flakyTopic{OutputTopic: inner}
	topic.failures.Store(2)

	w, err := NewStreamWriter(topic, "s1", WithSendRetry(fastRetry()))
	require.NoError(t, err)
	defer w.Close(ctx)

	require.NoError(t, w.Enqueue(ctx, FrameData, "", 1).Wait(ctx))
	assert.Len(t, topic.sent, 1)
}

func TestStreamWriter_ReportsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	inner, err := NewMemoryTransport().OpenOutputTopic(ctx, "t")
	require.NoError(t, err)
	topic := &flakyTopic{OutputTopic: inner}
	topic.failures.Store(100)

	w, err := NewStreamWriter(topic, "s1", WithSendRetry(fastRetry()))
	require.NoError(t, err)
	defer w.Close(ctx)

	err = w.Enqueue(ctx, FrameData, "", 1).Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestStreamWriter_CloseRejectsAndFlushes(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	topic, err := transport.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)

	w, err := NewStreamWriter(topic, "s1")
	require.NoError(t, err)

	pending := w.Enqueue(ctx, FrameData, "", "x")
	require.NoError(t, w.Close(ctx))
	assert.NoError(t, pending.Err())
	assert.Len(t, transport.Retained("t"), 1)

	err = w.Enqueue(ctx, FrameData, "", "y").Wait(ctx)
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
	require.NoError(t, w.Close(ctx))
}

func TestStreamWriter_EncodeFailure(t *testing.T) {
	ctx := context.Background()
	topic, err := NewMemoryTransport().OpenOutputTopic(ctx, "t")
	require.NoError(t, err)
	w, err := NewStreamWriter(topic, "s1")
	require.NoError(t, err)
	defer w.Close(ctx)

	err = w.Enqueue(ctx, FrameData, "", make(chan int)).Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPipeline_DeliversPerStreamInOrder(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	client, err := NewClient(transport)
	require.NoError(t, err)

	var in inputs
	pipeline, err := client.StreamTopic("t").Into(in.factory)
	require.NoError(t, err)
	defer pipeline.Dispose(ctx)
	require.NoError(t, pipeline.WaitUntilConnected(ctx, time.Second))

	topic, err := client.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)
	w1, err := NewStreamWriter(topic, "s1")
	require.NoError(t, err)
	w2, err := NewStreamWriter(topic, "s2")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		w1.Enqueue(ctx, FrameData, "", i)
		w2.Enqueue(ctx, FrameData, "", i)
	}
	w1.Enqueue(ctx, FrameSession, "", "end")
	w2.Enqueue(ctx, FrameSession, "", "end")
	require.NoError(t, w1.Close(ctx))
	require.NoError(t, w2.Close(ctx))

	require.NoError(t, pipeline.WaitUntilFirstStream(ctx, time.Second))
	for _, id := range []string{"s1", "s2"} {
		require.Eventually(t, func() bool { return in.get(id) != nil }, time.Second, 5*time.Millisecond)
		r := in.get(id)
		select {
		case <-r.finished:
		case <-time.After(time.Second):
			t.Fatalf("stream %s did not finish", id)
		}
		frames := r.Frames()
		require.Len(t, frames, 11)
		for i, f := range frames {
			assert.Equal(t, uint64(i+1), f.Seq)
		}
	}
	assert.Eventually(t, func() bool { return len(pipeline.ActiveStreams()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_DropsFramesAfterFinish(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	client, err := NewClient(transport)
	require.NoError(t, err)

	var created atomic.Int32
	var in inputs
	pipeline, err := client.StreamTopic("t").Into(func(id string) (StreamInput, error) {
		created.Add(1)
		return in.factory(id)
	})
	require.NoError(t, err)
	defer pipeline.Dispose(ctx)
	require.NoError(t, pipeline.WaitUntilConnected(ctx, time.Second))

	topic, err := client.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)
	end, err := codec.DefaultEncoding().Encode("end")
	require.NoError(t, err)

	require.NoError(t, topic.Send(ctx, Frame{StreamID: "s", Kind: FrameSession, Seq: 1, Encoding: codec.NameJSON, Payload: end}))
	require.Eventually(t, func() bool { return in.get("s") != nil }, time.Second, 5*time.Millisecond)
	<-in.get("s").finished

	require.NoError(t, topic.Send(ctx, Frame{StreamID: "s", Kind: FrameData, Seq: 2}))
	require.NoError(t, pipeline.WaitUntilIdle(ctx, 20*time.Millisecond))

	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, in.get("s").Frames(), 1)
}

type failingTransport struct{ MemoryTransport }

func (f *failingTransport) Subscribe(context.Context, string, string, DeliverFunc) (Subscription, error) {
	return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "failingTransport", "Subscribe", "subscribe")
}

func TestPipeline_WaitUntilConnectedReportsFailure(t *testing.T) {
	client, err := NewClient(&failingTransport{})
	require.NoError(t, err)

	pipeline, err := client.StreamTopic("t").Into(func(string) (StreamInput, error) { return newRecordingInput(), nil })
	require.NoError(t, err)
	defer pipeline.Dispose(context.Background())

	err = pipeline.WaitUntilConnected(context.Background(), time.Second)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestPipeline_WaitUntilFirstStreamTimesOut(t *testing.T) {
	client, err := NewClient(NewMemoryTransport())
	require.NoError(t, err)
	pipeline, err := client.StreamTopic("t").Into(func(string) (StreamInput, error) { return newRecordingInput(), nil })
	require.NoError(t, err)
	defer pipeline.Dispose(context.Background())

	err = pipeline.WaitUntilFirstStream(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
	assert.True(t, errors.IsTransient(err))
}

func TestPipeline_DrainFinishesOpenStreams(t *testing.T) {
	ctx := context.Background()
	transport := NewMemoryTransport()
	client, err := NewClient(transport)
	require.NoError(t, err)

	var in inputs
	pipeline, err := client.StreamTopic("t").Into(in.factory)
	require.NoError(t, err)
	require.NoError(t, pipeline.WaitUntilConnected(ctx, time.Second))

	topic, err := client.OpenOutputTopic(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, topic.Send(ctx, Frame{StreamID: "open", Kind: FrameData, Seq: 1}))
	require.Eventually(t, func() bool { return in.get("open") != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, pipeline.Drain(ctx))
	select {
	case <-in.get("open").finished:
	default:
		t.Fatal("open stream not finished by drain")
	}
	assert.Len(t, in.get("open").Frames(), 1)
}

func TestBuilder_RequiresFactory(t *testing.T) {
	client, err := NewClient(NewMemoryTransport())
	require.NoError(t, err)
	_, err = client.StreamTopic("t").Into(nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewClient(nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
