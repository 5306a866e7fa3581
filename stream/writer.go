package stream

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/registry"
	"github.com/c360/telemetryrelay/relay"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/telemetry"
)

// Writer writes one session to a topic. It registers the session's data
// format and configuration before the first frame.
type Writer struct {
	topic        broker.OutputTopic
	output       *Output
	dataFormatID schema.ID
	configID     schema.ID
}

// NewWriter registers df and cfg with reg, opens topic and prepares an
// Unset session. cfg may be nil.
func NewWriter(ctx context.Context, client *broker.Client, reg *registry.Client, topic string,
	df *schema.DataFormat, cfg *schema.Configuration, opts ...Option,
) (*Writer, error) {
	if client == nil || reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Writer", "NewWriter", "check clients")
	}

	dataFormatID, err := registry.NewDataFormatClient(reg).PutAndIdentify(ctx, df)
	if err != nil {
		return nil, errors.Wrap(err, "Writer", "NewWriter", "register data format")
	}
	var configID schema.ID
	if cfg != nil {
		if configID, err = registry.NewConfigurationClient(reg).PutAndIdentify(ctx, cfg); err != nil {
			return nil, errors.Wrap(err, "Writer", "NewWriter", "register configuration")
		}
	}

	out, err := client.OpenOutputTopic(ctx, topic)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithMetrics(client.Metrics()), WithLogger(client.Logger())}, opts...)
	output, err := NewOutput(out, dataFormatID, df, opts...)
	if err != nil {
		_ = out.Close(ctx)
		return nil, err
	}
	if configID != "" {
		if err := output.Session.AddDependency(schema.DependencyConfiguration, configID); err != nil {
			_ = output.Dispose(ctx)
			_ = out.Close(ctx)
			return nil, err
		}
	}
	return &Writer{topic: out, output: output, dataFormatID: dataFormatID, configID: configID}, nil
}

// Output returns the session output being written.
func (w *Writer) Output() *Output { return w.output }

// TopicName returns the topic the session is written to.
func (w *Writer) TopicName() string { return w.topic.Name() }

// DataFormatID returns the registered data format ID.
func (w *Writer) DataFormatID() schema.ID { return w.dataFormatID }

// ConfigurationID returns the registered configuration ID, empty without one.
func (w *Writer) ConfigurationID() schema.ID { return w.configID }

// OpenSession opens the session and waits for the snapshot to be sent.
func (w *Writer) OpenSession(ctx context.Context, identifier string, start time.Time) error {
	f, err := w.output.Session.Open(ctx, identifier, start)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// UpdateDuration sets the session duration and re-sends the session.
func (w *Writer) UpdateDuration(ctx context.Context, d time.Duration) (*broker.Future, error) {
	if err := w.output.Session.SetDuration(d); err != nil {
		return nil, err
	}
	return w.output.Session.Send(ctx)
}

// CloseSession flushes pending writes and closes the session.
func (w *Writer) CloseSession(ctx context.Context) error {
	return w.output.Session.Close(ctx)
}

// Write sends data on feed name.
func (w *Writer) Write(ctx context.Context, name string, data *telemetry.Data) (*broker.Future, error) {
	return w.output.Data.Write(ctx, name, data)
}

// WriteFeeds sends the same batch on every feed in names and waits for the sends.
func (w *Writer) WriteFeeds(ctx context.Context, names []string, data *telemetry.Data) error {
	return relay.FanOut{Outputs: names}.ForwardData(ctx, w.output.Data, data)
}

// WriteSamples sends samples on feed name.
func (w *Writer) WriteSamples(ctx context.Context, name string, samples *telemetry.Samples) (*broker.Future, error) {
	return w.output.Samples.Write(ctx, name, samples)
}

// SendEvent sends an event.
func (w *Writer) SendEvent(ctx context.Context, event *telemetry.Event) (*broker.Future, error) {
	return w.output.Events.Send(ctx, event)
}

// Dispose truncates the session unless it was closed, then closes the topic.
func (w *Writer) Dispose(ctx context.Context) error {
	return stderrors.Join(w.output.Dispose(ctx), w.topic.Close(ctx))
}
