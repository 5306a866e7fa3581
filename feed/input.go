package feed

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/pkg/buffer"
	"github.com/c360/telemetryrelay/pkg/observer"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/telemetry"
	"github.com/c360/telemetryrelay/window"
)

// DataBuffered is raised after a batch of a bound feed was buffered.
type DataBuffered struct {
	Feed   string
	Buffer *window.Buffer
	// Data holds the bound parameters only, in the order they were bound.
	Data *telemetry.Data
}

// DataInput routes received batches to the feeds a reader bound.
type DataInput struct {
	bufferOpts []window.Option
	logger     *slog.Logger

	mu        sync.Mutex
	format    *schema.DataFormat
	feeds     map[string]*DataFeedInput
	factories []func(*DataFeedInput)
	autoBound map[string]struct{}
}

// NewDataInput creates a DataInput. Buffers of bound feeds are created with bufferOpts.
func NewDataInput(logger *slog.Logger, bufferOpts ...window.Option) *DataInput {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataInput{
		bufferOpts: bufferOpts,
		logger:     logger,
		feeds:      make(map[string]*DataFeedInput),
		autoBound:  make(map[string]struct{}),
	}
}

// BindFeed binds the named feed, projected onto parameters. No parameters
// means all parameters of the feed. The first binding of a name wins.
func (in *DataInput) BindFeed(name string, parameters ...string) (*DataFeedInput, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if f, ok := in.feeds[name]; ok {
		return f, nil
	}
	f := &DataFeedInput{name: name, parameters: slices.Clone(parameters)}
	if in.format != nil {
		if err := f.resolve(in.format, in.bufferOpts); err != nil {
			return nil, err
		}
	}
	in.feeds[name] = f
	return f, nil
}

// BindDefaultFeed binds the unnamed feed.
func (in *DataInput) BindDefaultFeed(parameters ...string) (*DataFeedInput, error) {
	return in.BindFeed(schema.DefaultFeedName, parameters...)
}

// Feed returns a bound feed without binding.
func (in *DataInput) Feed(name string) (*DataFeedInput, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if f, ok := in.feeds[name]; ok {
		return f, nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: %q is not bound", errors.ErrFeedNotFound, name),
		"DataInput", "Feed", "find feed")
}

// AutoBindFeeds binds every feed of the session's data format with all its
// parameters and calls factory once per feed, as soon as the format is known.
func (in *DataInput) AutoBindFeeds(factory func(*DataFeedInput)) error {
	if factory == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "DataInput", "AutoBindFeeds", "check factory")
	}
	in.mu.Lock()
	in.factories = append(in.factories, factory)
	ready := in.format != nil
	in.mu.Unlock()

	if ready {
		return in.autoBind(true)
	}
	return nil
}

// Format returns the data format, nil until it is known.
func (in *DataInput) Format() *schema.DataFormat {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.format
}

// SetFormat sets the data format the session's batches are written against
// and resolves the bound feeds. A bound feed missing from the format is
// ErrFeedNotFound.
func (in *DataInput) SetFormat(df *schema.DataFormat) error {
	if df == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "DataInput", "SetFormat", "check format")
	}
	in.mu.Lock()
	if in.format == df {
		in.mu.Unlock()
		return nil
	}
	in.format = df
	var errs []error
	for _, f := range in.feeds {
		if err := f.resolve(df, in.bufferOpts); err != nil {
			errs = append(errs, err)
		}
	}
	in.mu.Unlock()
	in.logger.Debug("Data format resolved", "feeds", df.FeedNames())

	if err := in.autoBind(false); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// autoBind runs the registered factories on feeds not auto-bound yet. With
// latest set, only the newest factory runs on feeds already auto-bound.
func (in *DataInput) autoBind(latest bool) error {
	in.mu.Lock()
	if in.format == nil || len(in.factories) == 0 {
		in.mu.Unlock()
		return nil
	}
	type job struct {
		feed      *DataFeedInput
		factories []func(*DataFeedInput)
	}
	var jobs []job
	for _, name := range in.format.FeedNames() {
		f, ok := in.feeds[name]
		if !ok {
			f = &DataFeedInput{name: name}
			if err := f.resolve(in.format, in.bufferOpts); err != nil {
				in.mu.Unlock()
				return err
			}
			in.feeds[name] = f
		}
		if _, done := in.autoBound[name]; !done {
			in.autoBound[name] = struct{}{}
			jobs = append(jobs, job{feed: f, factories: slices.Clone(in.factories)})
		} else if latest {
			jobs = append(jobs, job{feed: f, factories: in.factories[len(in.factories)-1:]})
		}
	}
	in.mu.Unlock()

	for _, j := range jobs {
		for _, factory := range j.factories {
			factory(j.feed)
		}
	}
	return nil
}

// Deliver validates a received batch against its feed format and hands it to
// the bound feed. Batches of unbound feeds are ignored.
func (in *DataInput) Deliver(ctx context.Context, feedName string, data *telemetry.Data) error {
	in.mu.Lock()
	df := in.format
	f := in.feeds[feedName]
	in.mu.Unlock()

	if df == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: data for feed %q before the data format", errors.ErrDependencyNotResolvable, feedName),
			"DataInput", "Deliver", "check format")
	}
	ff, err := df.Feed(feedName)
	if err != nil {
		return err
	}
	if err := data.Validate(len(ff.ParameterIDs)); err != nil {
		return errors.Wrap(err, "DataInput", "Deliver", fmt.Sprintf("validate batch of feed %q", feedName))
	}
	if f == nil {
		return nil
	}
	return f.deliver(ctx, data)
}

// Close closes the buffers of every bound feed.
func (in *DataInput) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, f := range in.feeds {
		if buf := f.Buffer(); buf != nil {
			buf.Close()
		}
	}
}

// DataFeedInput is a bound input feed.
type DataFeedInput struct {
	name       string
	parameters []string

	mu      sync.Mutex
	indices []int
	buffer  *window.Buffer

	buffered observer.List[DataBuffered]
}

// Name returns the feed name.
func (f *DataFeedInput) Name() string { return f.name }

// Parameters returns the bound parameter IDs, empty until the format is known
// when the feed was bound with all parameters.
func (f *DataFeedInput) Parameters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.parameters)
}

// Buffer returns the window buffer of the feed, nil until the format is known.
func (f *DataFeedInput) Buffer() *window.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffer
}

// OnDataBuffered observes every batch buffered on the feed.
func (f *DataFeedInput) OnDataBuffered(fn observer.Func[DataBuffered]) (cancel func()) {
	return f.buffered.Add(fn)
}

func (f *DataFeedInput) resolve(df *schema.DataFormat, opts []window.Option) error {
	ff, err := df.Feed(f.name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	params := f.parameters
	if len(params) == 0 {
		params = ff.ParameterIDs
	}
	indices, err := ff.Indices(params)
	if err != nil {
		return errors.Wrap(err, "DataFeedInput", "resolve", fmt.Sprintf("bind parameters of feed %q", f.name))
	}
	projected := &schema.FeedFormat{Name: f.name, ParameterIDs: slices.Clone(params), FrequencyHz: ff.FrequencyHz}
	buf, err := window.NewBuffer(projected, opts...)
	if err != nil {
		return err
	}
	if f.buffer != nil {
		f.buffer.Close()
	}
	f.parameters = projected.ParameterIDs
	f.indices = indices
	f.buffer = buf
	return nil
}

func (f *DataFeedInput) deliver(ctx context.Context, data *telemetry.Data) error {
	f.mu.Lock()
	indices, buf := f.indices, f.buffer
	f.mu.Unlock()

	projected := data.Select(indices)
	if err := buf.Append(projected); err != nil {
		return errors.Wrap(err, "DataFeedInput", "deliver", fmt.Sprintf("buffer batch of feed %q", f.name))
	}
	return f.buffered.Notify(ctx, DataBuffered{Feed: f.name, Buffer: buf, Data: projected})
}

// SamplesReceived is raised for every samples batch of a bound feed.
type SamplesReceived struct {
	Feed    string
	Samples *telemetry.Samples
}

// SamplesInput routes received samples to bound feeds.
type SamplesInput struct {
	mu        sync.Mutex
	feeds     map[string]*SamplesFeedInput
	factories []func(*SamplesFeedInput)
}

// NewSamplesInput creates an empty SamplesInput.
func NewSamplesInput() *SamplesInput {
	return &SamplesInput{feeds: make(map[string]*SamplesFeedInput)}
}

// BindFeed binds the named samples feed. The first binding of a name wins.
func (in *SamplesInput) BindFeed(name string) *SamplesFeedInput {
	in.mu.Lock()
	defer in.mu.Unlock()
	f, _ := in.bindLocked(name)
	return f
}

func (in *SamplesInput) bindLocked(name string) (*SamplesFeedInput, bool) {
	if f, ok := in.feeds[name]; ok {
		return f, false
	}
	f := &SamplesFeedInput{name: name}
	in.feeds[name] = f
	return f, true
}

// AutoBindFeeds binds each samples feed when its first samples arrive and
// calls factory once for it. Feeds already seen are passed to factory at once.
func (in *SamplesInput) AutoBindFeeds(factory func(*SamplesFeedInput)) {
	if factory == nil {
		return
	}
	in.mu.Lock()
	in.factories = append(in.factories, factory)
	existing := make([]*SamplesFeedInput, 0, len(in.feeds))
	for _, f := range in.feeds {
		existing = append(existing, f)
	}
	in.mu.Unlock()

	slices.SortFunc(existing, func(a, b *SamplesFeedInput) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	for _, f := range existing {
		factory(f)
	}
}

// Deliver hands received samples to their feed.
func (in *SamplesInput) Deliver(ctx context.Context, feedName string, samples *telemetry.Samples) error {
	in.mu.Lock()
	f, ok := in.feeds[feedName]
	var factories []func(*SamplesFeedInput)
	if !ok && len(in.factories) > 0 {
		f, _ = in.bindLocked(feedName)
		factories = slices.Clone(in.factories)
	}
	in.mu.Unlock()

	for _, factory := range factories {
		factory(f)
	}
	if f == nil {
		return nil
	}
	return f.received.Notify(ctx, SamplesReceived{Feed: feedName, Samples: samples})
}

// SamplesFeedInput is a bound samples feed.
type SamplesFeedInput struct {
	name     string
	received observer.List[SamplesReceived]
}

// Name returns the feed name.
func (f *SamplesFeedInput) Name() string { return f.name }

// OnSamplesReceived observes every samples batch of the feed.
func (f *SamplesFeedInput) OnSamplesReceived(fn observer.Func[SamplesReceived]) (cancel func()) {
	return f.received.Add(fn)
}

// DefaultEventRetention is the number of events an EventsInput keeps.
const DefaultEventRetention = 1024

// EventsBuffered is raised for every received event.
type EventsBuffered struct {
	Event *telemetry.Event
	// Definition is nil when the configuration is unknown or lacks the event.
	Definition *schema.EventDefinition
}

// EventsInput keeps the recent events of a session.
type EventsInput struct {
	events     buffer.Buffer[*telemetry.Event]
	configured func() *schema.Configuration
	buffered   observer.List[EventsBuffered]
}

// NewEventsInput creates an EventsInput. configured returns the session's
// configuration, or nil while it is unknown.
func NewEventsInput(retention int, configured func() *schema.Configuration) (*EventsInput, error) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	events, err := buffer.NewCircularBuffer[*telemetry.Event](retention,
		buffer.WithOverflowPolicy[*telemetry.Event](buffer.DropOldest))
	if err != nil {
		return nil, errors.Wrap(err, "EventsInput", "NewEventsInput", "create event buffer")
	}
	return &EventsInput{events: events, configured: configured}, nil
}

// Buffer returns the retained events, oldest first.
func (in *EventsInput) Buffer() []*telemetry.Event { return in.events.Snapshot() }

// OnEventsBuffered observes every event received.
func (in *EventsInput) OnEventsBuffered(fn observer.Func[EventsBuffered]) (cancel func()) {
	return in.buffered.Add(fn)
}

// Deliver buffers an event and notifies observers.
func (in *EventsInput) Deliver(ctx context.Context, event *telemetry.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := in.events.Write(event); err != nil {
		return errors.Wrap(err, "EventsInput", "Deliver", "buffer event")
	}
	var def *schema.EventDefinition
	if in.configured != nil {
		if cfg := in.configured(); cfg != nil {
			def, _ = cfg.EventDefinition(event.ID)
		}
	}
	return in.buffered.Notify(ctx, EventsBuffered{Event: event, Definition: def})
}
