package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/feed"
	"github.com/c360/telemetryrelay/pkg/observer"
	"github.com/c360/telemetryrelay/registry"
	"github.com/c360/telemetryrelay/relay"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/session"
	"github.com/c360/telemetryrelay/telemetry"
	"github.com/c360/telemetryrelay/window"
)

// StreamFinished is raised once when a consumed stream ends.
type StreamFinished struct {
	StreamID string
	// State is the last session state seen, Unset if no session frame arrived.
	State session.State
}

// Input consumes one stream: it decodes frames, tracks the session and
// routes data, samples and events to the bound feeds.
type Input struct {
	streamID       string
	formats        *registry.DataFormatClient
	configurations *registry.ConfigurationClient
	logger         *slog.Logger

	Session *session.Input
	Data    *feed.DataInput
	Samples *feed.SamplesInput
	Events  *feed.EventsInput

	mu       sync.Mutex
	formatID schema.ID
	configID schema.ID
	config   *schema.Configuration
	links    []*relay.Link

	finished observer.List[StreamFinished]
}

var _ broker.StreamInput = (*Input)(nil)

// NewInput creates the input of stream streamID. Data formats named by the
// session are resolved through formats.
func NewInput(streamID string, formats *registry.DataFormatClient, opts ...Option) (*Input, error) {
	if formats == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "stream", "NewInput", "check data format client")
	}
	o := newOptions(opts)
	logger := o.logger.With("stream_id", streamID)

	bufferOpts := append([]window.Option{window.WithMetrics(o.metrics), window.WithLogger(logger)}, o.bufferOpts...)
	in := &Input{
		streamID:       streamID,
		formats:        formats,
		configurations: o.configurations,
		logger:         logger,
		Session:        session.NewInput(streamID, logger),
		Data:           feed.NewDataInput(logger, bufferOpts...),
		Samples:        feed.NewSamplesInput(),
	}
	events, err := feed.NewEventsInput(o.eventRetention, in.cachedConfiguration)
	if err != nil {
		return nil, err
	}
	in.Events = events
	in.Session.OnDependenciesChanged(in.resolveDependencies)
	return in, nil
}

// StreamID returns the ID of the consumed stream.
func (in *Input) StreamID() string { return in.streamID }

// OnStreamFinished observes the end of the stream.
func (in *Input) OnStreamFinished(fn observer.Func[StreamFinished]) (cancel func()) {
	return in.finished.Add(fn)
}

// LinkToOutput mirrors this stream's session onto out's session. It does not
// block and may be called before any frame arrived.
func (in *Input) LinkToOutput(out *Output, mapper relay.IdentifierMapper) (*relay.Link, error) {
	if out == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: no output to link", errors.ErrRelayConfiguration),
			"stream", "LinkToOutput", "check output")
	}
	link, err := relay.NewLink(in.Session, out.Session, mapper, relay.WithLogger(in.logger))
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	in.links = append(in.links, link)
	in.mu.Unlock()
	return link, nil
}

// Configuration resolves the configuration tree the session depends on.
func (in *Input) Configuration(ctx context.Context) (*schema.Configuration, error) {
	in.mu.Lock()
	cfg, id := in.config, in.configID
	in.mu.Unlock()
	if cfg != nil {
		return cfg, nil
	}
	if id == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: session has no configuration", errors.ErrDependencyNotResolvable),
			"stream", "Configuration", "find configuration id")
	}
	if in.configurations == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no configuration client", errors.ErrMissingConfig),
			"stream", "Configuration", "check client")
	}
	cfg, err := in.configurations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	if in.configID == id {
		in.config = cfg
	}
	in.mu.Unlock()
	return cfg, nil
}

func (in *Input) cachedConfiguration() *schema.Configuration {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.config
}

func (in *Input) resolveDependencies(ctx context.Context, s session.Session) error {
	var errs []error

	if id, ok := s.DependencyID(schema.DependencyDataFormat); ok {
		in.mu.Lock()
		known := in.formatID == id
		in.mu.Unlock()
		if !known {
			df, err := in.formats.Get(ctx, id)
			if err != nil {
				errs = append(errs, errors.Wrap(fmt.Errorf("%w: data format %s: %w", errors.ErrDependencyNotResolvable, id, err),
					"stream", "resolveDependencies", "resolve data format"))
			} else {
				in.mu.Lock()
				in.formatID = id
				in.mu.Unlock()
				errs = append(errs, in.Data.SetFormat(df))
			}
		}
	}

	if id, ok := s.DependencyID(schema.DependencyConfiguration); ok {
		in.mu.Lock()
		changed := in.configID != id
		if changed {
			in.configID = id
			in.config = nil
		}
		in.mu.Unlock()
		if changed && in.configurations != nil {
			if _, err := in.Configuration(ctx); err != nil {
				in.logger.Warn("Configuration not resolved", "id", id, "error", err)
			}
		}
	}
	return stderrors.Join(errs...)
}

// Deliver decodes one frame and routes it. The stream is finished once the
// session reaches a terminal state.
func (in *Input) Deliver(ctx context.Context, frame broker.Frame) (bool, error) {
	switch frame.Kind {
	case broker.FrameSession:
		var s session.Session
		if err := in.decode(frame, &s); err != nil {
			return false, err
		}
		err := in.Session.Apply(ctx, s)
		return s.State.IsTerminal(), err

	case broker.FrameData:
		var d telemetry.Data
		if err := in.decode(frame, &d); err != nil {
			return false, err
		}
		return false, in.Data.Deliver(ctx, frame.Feed, &d)

	case broker.FrameSamples:
		samples := telemetry.NewSamples()
		if err := in.decode(frame, samples); err != nil {
			return false, err
		}
		return false, in.Samples.Deliver(ctx, frame.Feed, samples)

	case broker.FrameEvents:
		var e telemetry.Event
		if err := in.decode(frame, &e); err != nil {
			return false, err
		}
		return false, in.Events.Deliver(ctx, &e)
	}
	return false, errors.WrapInvalid(fmt.Errorf("%w: frame kind %d", errors.ErrInvalidData, frame.Kind),
		"stream", "Deliver", "route frame")
}

func (in *Input) decode(frame broker.Frame, v any) error {
	if err := codec.Decode(frame.Encoding, frame.Payload, v); err != nil {
		return errors.Wrap(err, "stream", "Deliver", fmt.Sprintf("decode %s frame %d", frame.Kind, frame.Seq))
	}
	return nil
}

// Finish wakes pending window queries, unlinks linked outputs and notifies
// OnStreamFinished observers.
func (in *Input) Finish(ctx context.Context) {
	in.Data.Close()
	in.mu.Lock()
	links := in.links
	in.links = nil
	in.mu.Unlock()
	for _, l := range links {
		l.Unlink()
	}
	if err := in.finished.Notify(ctx, StreamFinished{StreamID: in.streamID, State: in.Session.State()}); err != nil {
		in.logger.Warn("Stream finished handler failed", "error", err)
	}
}
