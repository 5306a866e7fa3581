package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/pkg/buffer"
	"github.com/c360/telemetryrelay/pkg/cache"
	"github.com/c360/telemetryrelay/pkg/retry"
)

// StreamInput consumes the frames of one stream. Deliver is never called
// concurrently for the same stream and sees frames in send order.
type StreamInput interface {
	// Deliver handles one frame. It reports finished once the stream has
	// reached its end; later frames of the stream are dropped.
	Deliver(ctx context.Context, frame Frame) (finished bool, err error)

	// Finish is called exactly once when the stream ends or the pipeline stops.
	Finish(ctx context.Context)
}

// StreamInputFactory creates the input of a newly seen stream.
type StreamInputFactory func(streamID string) (StreamInput, error)

const (
	streamQueueSize    = 1024
	finishedStreamsLRU = 4096
	pollInterval       = 10 * time.Millisecond
)

// Pipeline subscribes to a topic and runs one worker per stream.
type Pipeline struct {
	topic     string
	group     string
	transport Transport
	factory   StreamInputFactory
	metrics   *metric.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	streams  map[string]*streamWorker
	finished *cache.LRU[struct{}]
	sub      Subscription
	stopping bool

	connected     chan struct{}
	firstStream   chan struct{}
	firstOnce     sync.Once
	connectErr    error
	connectFailed chan struct{}

	pending      atomic.Int64
	lastActivity atomic.Int64
	workers      sync.WaitGroup
}

type streamWorker struct {
	id    string
	input StreamInput
	queue buffer.Buffer[Frame]
}

func newPipeline(b *PipelineBuilder, factory StreamInputFactory) (*Pipeline, error) {
	finished, err := cache.NewLRU[struct{}](finishedStreamsLRU)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		topic:         b.topic,
		group:         b.group,
		transport:     b.client.transport,
		factory:       factory,
		metrics:       b.client.metrics,
		logger:        b.client.logger.With("topic", b.topic),
		ctx:           ctx,
		cancel:        cancel,
		streams:       make(map[string]*streamWorker),
		finished:      finished,
		connected:     make(chan struct{}),
		firstStream:   make(chan struct{}),
		connectFailed: make(chan struct{}),
	}
	p.lastActivity.Store(time.Now().UnixNano())
	return p, nil
}

// subscribe connects in the background until it succeeds, retries run out or the pipeline stops.
func (p *Pipeline) subscribe() {
	cfg := retry.Quick()
	cfg.MaxAttempts = 20
	cfg.Retryable = func(err error) bool { return !errors.IsInvalid(err) && !errors.IsFatal(err) }

	sub, err := retry.DoWithResult(p.ctx, cfg, func() (Subscription, error) {
		return p.transport.Subscribe(p.ctx, p.topic, p.group, p.dispatch)
	})
	if err != nil {
		p.logger.Error("Subscription failed", "group", p.group, "error", err)
		p.connectErr = err
		close(p.connectFailed)
		return
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	p.sub = sub
	p.mu.Unlock()

	p.logger.Info("Pipeline connected", "group", p.group)
	close(p.connected)
}

// dispatch routes a frame to its stream worker, creating the worker on the first frame.
func (p *Pipeline) dispatch(ctx context.Context, frame Frame) error {
	p.lastActivity.Store(time.Now().UnixNano())

	w, err := p.worker(frame.StreamID)
	if err != nil || w == nil {
		return err
	}

	p.pending.Add(1)
	if err := w.queue.WriteContext(ctx, frame); err != nil {
		p.pending.Add(-1)
		p.logger.Debug("Dropped frame of finished stream", "stream_id", frame.StreamID, "seq", frame.Seq)
		return nil
	}
	return nil
}

func (p *Pipeline) worker(streamID string) (*streamWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.streams[streamID]; ok {
		return w, nil
	}
	if p.stopping {
		return nil, nil
	}
	if _, done := p.finished.Get(streamID); done {
		p.logger.Debug("Dropped late frame", "stream_id", streamID)
		return nil, nil
	}

	input, err := p.factory(streamID)
	if err != nil {
		// Remember the stream so its remaining frames are not retried one by one.
		_, _ = p.finished.Set(streamID, struct{}{})
		return nil, errors.Wrap(err, "Pipeline", "dispatch", fmt.Sprintf("create input for stream %s", streamID))
	}

	queue, err := buffer.NewCircularBuffer[Frame](streamQueueSize, buffer.WithOverflowPolicy[Frame](buffer.Block))
	if err != nil {
		return nil, errors.Wrap(err, "Pipeline", "dispatch", "create stream queue")
	}

	w := &streamWorker{id: streamID, input: input, queue: queue}
	p.streams[streamID] = w
	p.workers.Add(1)
	p.metrics.StreamStarted()
	p.logger.Info("Stream started", "stream_id", streamID)

	go p.runWorker(w)
	p.firstOnce.Do(func() { close(p.firstStream) })
	return w, nil
}

func (p *Pipeline) runWorker(w *streamWorker) {
	defer p.workers.Done()

	for {
		frame, err := w.queue.ReadContext(p.ctx)
		if err != nil {
			break
		}
		p.metrics.RecordFrameReceived(frame.Kind.String())
		finished, err := w.input.Deliver(p.ctx, frame)
		p.pending.Add(-1)
		if err != nil {
			p.logger.Error("Stream input rejected frame",
				"stream_id", w.id, "kind", frame.Kind.String(), "seq", frame.Seq,
				"class", errors.Classify(err).String(), "error", err)
		}
		if finished {
			break
		}
	}

	p.mu.Lock()
	delete(p.streams, w.id)
	_, _ = p.finished.Set(w.id, struct{}{})
	p.mu.Unlock()

	_ = w.queue.Close()
	for {
		if _, ok := w.queue.Read(); !ok {
			break
		}
		p.pending.Add(-1)
	}

	w.input.Finish(context.WithoutCancel(p.ctx))
	p.metrics.StreamFinished()
	p.logger.Info("Stream finished", "stream_id", w.id)
}

// Topic returns the subscribed topic.
func (p *Pipeline) Topic() string { return p.topic }

// ActiveStreams returns the IDs of streams currently being delivered.
func (p *Pipeline) ActiveStreams() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	return ids
}

// WaitUntilConnected blocks until the subscription is established.
func (p *Pipeline) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	return p.waitFor(ctx, timeout, p.connected, "WaitUntilConnected", "connect")
}

// WaitUntilFirstStream blocks until the first stream has started.
func (p *Pipeline) WaitUntilFirstStream(ctx context.Context, timeout time.Duration) error {
	return p.waitFor(ctx, timeout, p.firstStream, "WaitUntilFirstStream", "first stream")
}

func (p *Pipeline) waitFor(ctx context.Context, timeout time.Duration, ch <-chan struct{}, method, what string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-p.connectFailed:
		return errors.WrapTransient(p.connectErr, "Pipeline", method, "subscribe")
	case <-timer.C:
		return errors.WrapTransient(fmt.Errorf("%w: no %s after %v", errors.ErrConnectionTimeout, what, timeout),
			"Pipeline", method, "wait")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Pipeline", method, "wait")
	case <-p.ctx.Done():
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Pipeline", method, "wait")
	}
}

// WaitUntilIdle blocks until nothing has arrived for idle and every queued
// frame has been delivered.
func (p *Pipeline) WaitUntilIdle(ctx context.Context, idle time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		last := time.Unix(0, p.lastActivity.Load())
		if p.pending.Load() == 0 && time.Since(last) >= idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "Pipeline", "WaitUntilIdle", "wait")
		case <-p.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) stopSubscription() {
	p.mu.Lock()
	p.stopping = true
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("Unsubscribe failed", "error", err)
		}
	}
}

// Drain stops receiving, lets every stream deliver what it already received,
// then finishes the streams.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.stopSubscription()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for p.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			_ = p.Dispose(ctx)
			return errors.Wrap(ctx.Err(), "Pipeline", "Drain", "wait for queued frames")
		case <-ticker.C:
		}
	}
	return p.Dispose(ctx)
}

// Dispose stops receiving and finishes every active stream without waiting
// for queued frames. It waits for the stream workers until ctx is done.
func (p *Pipeline) Dispose(ctx context.Context) error {
	p.stopSubscription()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Pipeline", "Dispose", "wait for stream workers")
	}
}
