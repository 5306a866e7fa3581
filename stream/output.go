package stream

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/feed"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/session"
)

// Output writes one session and its feeds as one stream. Session snapshots
// and feed frames share the stream writer, so they arrive in write order.
type Output struct {
	writer *broker.StreamWriter

	Session *session.Output
	Data    *feed.DataOutput
	Samples *feed.SamplesOutput
	Events  *feed.EventsOutput
}

// NewOutput starts a stream on topic for a session whose data is written
// against df, registered as dataFormatID.
func NewOutput(topic broker.OutputTopic, dataFormatID schema.ID, df *schema.DataFormat, opts ...Option) (*Output, error) {
	if df == nil || dataFormatID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "stream", "NewOutput", "check data format")
	}
	o := newOptions(opts)
	streamID := o.streamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	writerOpts := append([]broker.WriterOption{
		broker.WithWriterMetrics(o.metrics),
		broker.WithWriterLogger(o.logger),
	}, o.writerOpts...)
	w, err := broker.NewStreamWriter(topic, streamID, writerOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "stream", "NewOutput", "start stream writer")
	}

	s := session.NewOutput(w,
		session.WithID(streamID),
		session.WithMetrics(o.metrics),
		session.WithLogger(o.logger))
	if err := s.AddDependency(schema.DependencyDataFormat, dataFormatID); err != nil {
		_ = w.Close(context.Background())
		return nil, err
	}

	return &Output{
		writer:  w,
		Session: s,
		Data:    feed.NewDataOutput(s, df),
		Samples: feed.NewSamplesOutput(s, df),
		Events:  feed.NewEventsOutput(s),
	}, nil
}

// StreamID returns the ID of the stream being written.
func (o *Output) StreamID() string { return o.writer.StreamID() }

// Topic returns the name of the topic being written.
func (o *Output) Topic() string { return o.writer.Topic() }

// Flush waits for every frame written so far.
func (o *Output) Flush(ctx context.Context) error { return o.writer.Flush(ctx) }

// Dispose truncates the session unless it ended, releases its feeds and
// stops the stream writer. Feeds are also released as soon as the session
// ends; Dispose covers a failed truncate.
func (o *Output) Dispose(ctx context.Context) error {
	truncErr := o.Session.Dispose(ctx)
	o.Data.Invalidate()
	o.Samples.Invalidate()
	return stderrors.Join(truncErr, o.writer.Close(ctx))
}

// OutputFactory creates the output a consumed stream is relayed into.
type OutputFactory func(inputStreamID string) (*Output, error)

// NewOutputFactory returns a factory creating one output per input stream on topic.
func NewOutputFactory(topic broker.OutputTopic, dataFormatID schema.ID, df *schema.DataFormat, opts ...Option) OutputFactory {
	return func(string) (*Output, error) {
		return NewOutput(topic, dataFormatID, df, opts...)
	}
}
