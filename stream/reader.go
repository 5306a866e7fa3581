package stream

import (
	"context"
	"fmt"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/feed"
	"github.com/c360/telemetryrelay/registry"
	"github.com/c360/telemetryrelay/relay"
)

// DataHandler handles a batch buffered on a bound data feed.
type DataHandler func(ctx context.Context, streamID string, e feed.DataBuffered) error

// SamplesHandler handles samples received on a feed.
type SamplesHandler func(ctx context.Context, streamID string, e feed.SamplesReceived) error

// EventsHandler handles a received event.
type EventsHandler func(ctx context.Context, streamID string, e feed.EventsBuffered) error

// Reader consumes every stream of a topic.
type Reader struct {
	client  *broker.Client
	formats *registry.DataFormatClient
	topic   string
	opts    []Option
	o       *options
}

// NewReader creates a reader of topic. Data formats are resolved through reg.
func NewReader(client *broker.Client, reg *registry.Client, topic string, opts ...Option) (*Reader, error) {
	if client == nil || reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Reader", "NewReader", "check clients")
	}
	opts = append([]Option{WithMetrics(client.Metrics()), WithLogger(client.Logger())}, opts...)
	o := newOptions(opts)
	if o.configurations == nil {
		opts = append(opts, WithConfigurations(registry.NewConfigurationClient(reg)))
	}
	return &Reader{
		client:  client,
		formats: registry.NewDataFormatClient(reg),
		topic:   topic,
		opts:    opts,
		o:       o,
	}, nil
}

// Topic returns the topic being read.
func (r *Reader) Topic() string { return r.topic }

// Read starts a pipeline that builds each stream's input with setup and
// waits until it is subscribed.
func (r *Reader) Read(ctx context.Context, setup func(in *Input) error) (*broker.Pipeline, error) {
	builder := r.client.StreamTopic(r.topic)
	if r.o.group != "" {
		builder = builder.WithGroup(r.o.group)
	}
	p, err := builder.Into(func(streamID string) (broker.StreamInput, error) {
		in, err := NewInput(streamID, r.formats, r.opts...)
		if err != nil {
			return nil, err
		}
		if err := setup(in); err != nil {
			return nil, err
		}
		return in, nil
	})
	if err != nil {
		return nil, err
	}
	if err := p.WaitUntilConnected(ctx, r.o.connectTimeout); err != nil {
		_ = p.Dispose(context.WithoutCancel(ctx))
		return nil, errors.Wrap(err, "Reader", "Read", "connect to "+r.topic)
	}
	return p, nil
}

// ReadData binds parameters of the default feed of every stream and calls
// handler with each buffered batch. No parameters means all of them.
func (r *Reader) ReadData(ctx context.Context, parameters []string, handler DataHandler) (*broker.Pipeline, error) {
	return r.Read(ctx, func(in *Input) error {
		f, err := in.Data.BindDefaultFeed(parameters...)
		if err != nil {
			return err
		}
		f.OnDataBuffered(func(ctx context.Context, e feed.DataBuffered) error {
			return handler(ctx, in.StreamID(), e)
		})
		return nil
	})
}

// ReadSamples calls handler with the samples of every feed of every stream.
func (r *Reader) ReadSamples(ctx context.Context, handler SamplesHandler) (*broker.Pipeline, error) {
	return r.Read(ctx, func(in *Input) error {
		in.Samples.AutoBindFeeds(func(f *feed.SamplesFeedInput) {
			f.OnSamplesReceived(func(ctx context.Context, e feed.SamplesReceived) error {
				return handler(ctx, in.StreamID(), e)
			})
		})
		return nil
	})
}

// ReadEvents calls handler with every event of every stream.
func (r *Reader) ReadEvents(ctx context.Context, handler EventsHandler) (*broker.Pipeline, error) {
	return r.Read(ctx, func(in *Input) error {
		in.Events.OnEventsBuffered(func(ctx context.Context, e feed.EventsBuffered) error {
			return handler(ctx, in.StreamID(), e)
		})
		return nil
	})
}

// ReadAndLink creates an output with outputs for every consumed stream,
// mirrors the input session onto it and hands both to setup. The output is
// disposed when the input stream finishes.
func (r *Reader) ReadAndLink(ctx context.Context, outputs OutputFactory,
	setup func(in *Input, out *Output) error,
) (*broker.Pipeline, error) {
	if outputs == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: no output factory", errors.ErrRelayConfiguration),
			"Reader", "ReadAndLink", "check factory")
	}
	return r.Read(ctx, func(in *Input) error {
		out, err := r.link(in, outputs)
		if err != nil {
			return err
		}
		return setup(in, out)
	})
}

// ReadAndLinkData reads like ReadData and relays every stream into an output
// created by outputs. The output session mirrors the input session; each
// batch goes to every feed in outputFeeds after handler accepted it.
func (r *Reader) ReadAndLinkData(ctx context.Context, parameters []string, handler DataHandler,
	outputs OutputFactory, outputFeeds []string,
) (*broker.Pipeline, error) {
	fan := relay.FanOut{Outputs: outputFeeds, Metrics: r.o.metrics}
	if err := fan.Validate(); err != nil {
		return nil, err
	}
	return r.ReadAndLink(ctx, outputs, func(in *Input, out *Output) error {
		f, err := in.Data.BindDefaultFeed(parameters...)
		if err != nil {
			return err
		}
		f.OnDataBuffered(func(ctx context.Context, e feed.DataBuffered) error {
			if handler != nil {
				if err := handler(ctx, in.StreamID(), e); err != nil {
					return err
				}
			}
			return fan.ForwardData(ctx, out.Data, e.Data)
		})
		return nil
	})
}

// ReadAndLinkSamples relays the samples of the named input feeds, or of every
// feed when none are named, into the outputFeeds of a linked output.
func (r *Reader) ReadAndLinkSamples(ctx context.Context, inputFeeds []string, handler SamplesHandler,
	outputs OutputFactory, outputFeeds []string,
) (*broker.Pipeline, error) {
	fan := relay.FanOut{Outputs: outputFeeds, Metrics: r.o.metrics}
	if err := fan.Validate(); err != nil {
		return nil, err
	}
	return r.ReadAndLink(ctx, outputs, func(in *Input, out *Output) error {
		forward := func(f *feed.SamplesFeedInput) {
			f.OnSamplesReceived(func(ctx context.Context, e feed.SamplesReceived) error {
				if handler != nil {
					if err := handler(ctx, in.StreamID(), e); err != nil {
						return err
					}
				}
				return fan.ForwardSamples(ctx, out.Samples, e.Samples)
			})
		}
		if len(inputFeeds) == 0 {
			in.Samples.AutoBindFeeds(forward)
			return nil
		}
		for _, name := range inputFeeds {
			forward(in.Samples.BindFeed(name))
		}
		return nil
	})
}

// link creates the output of in, links their sessions and disposes the
// output when the input stream finishes.
func (r *Reader) link(in *Input, outputs OutputFactory) (*Output, error) {
	out, err := outputs(in.StreamID())
	if err != nil {
		return nil, errors.Wrap(err, "Reader", "link", "create output for "+in.StreamID())
	}
	mapper := r.o.mapper
	if mapper == nil {
		mapper = relay.SuffixMapper("_" + out.Topic())
	}
	if _, err := in.LinkToOutput(out, mapper); err != nil {
		_ = out.Dispose(context.Background())
		return nil, err
	}
	in.OnStreamFinished(func(ctx context.Context, _ StreamFinished) error {
		return out.Dispose(ctx)
	})
	return out, nil
}

