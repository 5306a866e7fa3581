package stream

import (
	"log/slog"
	"time"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/registry"
	"github.com/c360/telemetryrelay/relay"
	"github.com/c360/telemetryrelay/window"
)

// DefaultConnectTimeout bounds how long a Reader waits for its pipeline to subscribe.
const DefaultConnectTimeout = 30 * time.Second

// Option configures outputs, inputs and the facades built on them.
type Option func(*options)

type options struct {
	streamID       string
	logger         *slog.Logger
	metrics        *metric.Metrics
	writerOpts     []broker.WriterOption
	bufferOpts     []window.Option
	eventRetention int
	configurations *registry.ConfigurationClient
	mapper         relay.IdentifierMapper
	connectTimeout time.Duration
	group          string
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithStreamID sets the stream and session ID of an output instead of a generated one.
func WithStreamID(id string) Option {
	return func(o *options) { o.streamID = id }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records session, frame and window metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithWriterOptions passes options to the stream writer of an output.
func WithWriterOptions(opts ...broker.WriterOption) Option {
	return func(o *options) { o.writerOpts = append(o.writerOpts, opts...) }
}

// WithBufferOptions passes options to the window buffers of input feeds.
func WithBufferOptions(opts ...window.Option) Option {
	return func(o *options) { o.bufferOpts = append(o.bufferOpts, opts...) }
}

// WithEventRetention sets how many events an input keeps.
func WithEventRetention(n int) Option {
	return func(o *options) { o.eventRetention = n }
}

// WithConfigurations resolves the configuration dependency of input sessions.
func WithConfigurations(c *registry.ConfigurationClient) Option {
	return func(o *options) { o.configurations = c }
}

// WithIdentifierMapper sets how linked outputs name their sessions.
func WithIdentifierMapper(m relay.IdentifierMapper) Option {
	return func(o *options) { o.mapper = m }
}

// WithConnectTimeout bounds how long a Reader waits for its pipeline.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithConsumerGroup overrides the consumer group of a Reader's pipelines.
func WithConsumerGroup(group string) Option {
	return func(o *options) { o.group = group }
}
