package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/pkg/buffer"
	"github.com/c360/telemetryrelay/pkg/retry"
)

// DefaultQueueSize bounds the frames a StreamWriter holds before Enqueue blocks.
const DefaultQueueSize = 1024

// StreamWriter sends the frames of one output stream, in enqueue order, from a
// single background sender. Transient transport failures are retried; the
// outcome of every frame is reported through its Future.
type StreamWriter struct {
	topic    OutputTopic
	streamID string
	encoding codec.Encoding
	retry    retry.Config
	metrics  *metric.Metrics
	logger   *slog.Logger

	queue buffer.Buffer[*pendingFrame]

	mu     sync.Mutex // orders sequence assignment with queue writes
	seq    uint64
	last   *Future
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingFrame struct {
	frame    Frame
	future   *Future
	enqueued time.Time
}

// WriterOption configures a StreamWriter.
type WriterOption func(*writerOptions)

type writerOptions struct {
	encoding  codec.Encoding
	queueSize int
	retry     retry.Config
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// WithEncoding selects the payload encoding.
func WithEncoding(enc codec.Encoding) WriterOption {
	return func(o *writerOptions) { o.encoding = enc }
}

// WithQueueSize bounds the send queue.
func WithQueueSize(n int) WriterOption {
	return func(o *writerOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithSendRetry replaces the retry policy for transient send failures.
func WithSendRetry(cfg retry.Config) WriterOption {
	return func(o *writerOptions) { o.retry = cfg }
}

// WithWriterMetrics records sent frames, failures and latency.
func WithWriterMetrics(m *metric.Metrics) WriterOption {
	return func(o *writerOptions) { o.metrics = m }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(o *writerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewStreamWriter starts a writer for streamID on topic.
func NewStreamWriter(topic OutputTopic, streamID string, opts ...WriterOption) (*StreamWriter, error) {
	if topic == nil || streamID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "StreamWriter", "NewStreamWriter", "check topic and stream id")
	}

	o := &writerOptions{
		encoding:  codec.DefaultEncoding(),
		queueSize: DefaultQueueSize,
		retry:     errors.DefaultRetryConfig().ToRetryConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	queue, err := buffer.NewCircularBuffer[*pendingFrame](o.queueSize,
		buffer.WithOverflowPolicy[*pendingFrame](buffer.Block))
	if err != nil {
		return nil, errors.Wrap(err, "StreamWriter", "NewStreamWriter", "create send queue")
	}

	cfg := o.retry
	cfg.Retryable = errors.IsTransient

	ctx, cancel := context.WithCancel(context.Background())
	w := &StreamWriter{
		topic:    topic,
		streamID: streamID,
		encoding: o.encoding,
		retry:    cfg,
		metrics:  o.metrics,
		logger:   o.logger.With("topic", topic.Name(), "stream_id", streamID),
		queue:    queue,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// StreamID returns the ID of the stream being written.
func (w *StreamWriter) StreamID() string { return w.streamID }

// Topic returns the name of the output topic.
func (w *StreamWriter) Topic() string { return w.topic.Name() }

// Encoding returns the payload encoding.
func (w *StreamWriter) Encoding() codec.Encoding { return w.encoding }

// Enqueue encodes v and queues it for sending. Encoding errors and a closed
// writer complete the returned future immediately. Enqueue waits for queue
// space until ctx is done.
func (w *StreamWriter) Enqueue(ctx context.Context, kind FrameKind, feed string, v any) *Future {
	payload, err := w.encoding.Encode(v)
	if err != nil {
		return CompletedFuture(errors.Wrap(err, "StreamWriter", "Enqueue", "encode "+kind.String()))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return CompletedFuture(errors.WrapInvalid(errors.ErrAlreadyStopped, "StreamWriter", "Enqueue", "check writer"))
	}

	p := &pendingFrame{
		frame: Frame{
			Topic:    w.topic.Name(),
			StreamID: w.streamID,
			Kind:     kind,
			Feed:     feed,
			Seq:      w.seq + 1,
			Encoding: w.encoding.Name(),
			Payload:  payload,
		},
		future:   newFuture(),
		enqueued: time.Now(),
	}
	if err := w.queue.WriteContext(ctx, p); err != nil {
		return CompletedFuture(errors.Wrap(err, "StreamWriter", "Enqueue", "queue frame"))
	}
	w.seq++
	w.last = p.future
	return p.future
}

// Flush waits until every frame enqueued so far has completed.
func (w *StreamWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()

	if last == nil {
		return nil
	}
	if err := last.Wait(ctx); err != nil && ctx.Err() != nil {
		return errors.WrapTransient(err, "StreamWriter", "Flush", "wait for pending frames")
	}
	return nil
}

// Close rejects further frames, flushes the queue and stops the sender.
// Frames still queued when ctx ends fail with ErrShuttingDown.
func (w *StreamWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	flushErr := w.Flush(ctx)
	_ = w.queue.Close()
	if flushErr != nil {
		w.cancel()
	}
	<-w.done
	w.cancel()
	return flushErr
}

func (w *StreamWriter) run() {
	defer close(w.done)

	for {
		p, err := w.queue.ReadContext(w.ctx)
		if err != nil {
			w.failRemaining()
			return
		}
		w.send(p)
	}
}

func (w *StreamWriter) send(p *pendingFrame) {
	kind := p.frame.Kind.String()
	cfg := w.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		w.metrics.RecordSendRetry(kind)
		w.logger.Warn("Retrying frame send",
			"kind", kind, "seq", p.frame.Seq, "attempt", attempt, "delay", delay, "error", err)
	}
	err := retry.Do(w.ctx, cfg, func() error {
		return w.topic.Send(w.ctx, p.frame)
	})
	if err != nil {
		w.metrics.RecordSendFailure(kind)
		w.logger.Error("Frame send failed",
			"kind", kind, "feed", p.frame.Feed, "seq", p.frame.Seq, "error", err)
		p.future.complete(errors.Wrap(err, "StreamWriter", "send", "send "+kind))
		return
	}
	w.metrics.RecordFrameSent(kind, time.Since(p.enqueued))
	p.future.complete(nil)
}

func (w *StreamWriter) failRemaining() {
	for {
		p, ok := w.queue.Read()
		if !ok {
			return
		}
		p.future.complete(errors.WrapTransient(errors.ErrShuttingDown, "StreamWriter", "Close", "drop queued frame"))
	}
}
