package broker

import (
	"context"
	"log/slog"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
)

// Client opens output topics and builds pipelines over a Transport.
type Client struct {
	transport Transport
	group     string
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConsumerGroup sets the default consumer group of pipelines.
func WithConsumerGroup(group string) ClientOption {
	return func(c *Client) { c.group = group }
}

// WithMetrics records stream and frame metrics.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client over transport.
func NewClient(transport Transport, opts ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "broker", "NewClient", "check transport")
	}
	c := &Client{transport: transport, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Metrics returns the metrics the client records to, possibly nil.
func (c *Client) Metrics() *metric.Metrics { return c.metrics }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// OpenOutputTopic prepares topic name for writing streams.
func (c *Client) OpenOutputTopic(ctx context.Context, name string) (OutputTopic, error) {
	topic, err := c.transport.OpenOutputTopic(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "broker", "OpenOutputTopic", "open "+name)
	}
	return topic, nil
}

// StreamTopic starts building a pipeline reading topic name.
func (c *Client) StreamTopic(name string) *PipelineBuilder {
	return &PipelineBuilder{client: c, topic: name, group: c.group}
}

// Close closes the transport.
func (c *Client) Close(ctx context.Context) error {
	return c.transport.Close(ctx)
}

// PipelineBuilder configures a pipeline before it starts.
type PipelineBuilder struct {
	client *Client
	topic  string
	group  string
}

// WithGroup overrides the consumer group for this pipeline.
func (b *PipelineBuilder) WithGroup(group string) *PipelineBuilder {
	b.group = group
	return b
}

// Into starts the pipeline. It returns at once; the subscription is
// established in the background and can be awaited with WaitUntilConnected.
func (b *PipelineBuilder) Into(factory StreamInputFactory) (*Pipeline, error) {
	if factory == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PipelineBuilder", "Into", "check factory")
	}
	if b.topic == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PipelineBuilder", "Into", "check topic")
	}
	p, err := newPipeline(b, factory)
	if err != nil {
		return nil, errors.Wrap(err, "PipelineBuilder", "Into", "create pipeline")
	}
	go p.subscribe()
	return p, nil
}
