package feed

import (
	"context"
	"fmt"
	"slices"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/session"
	"github.com/c360/telemetryrelay/telemetry"
)

// DataOutput binds the data feeds of a session being written.
type DataOutput struct {
	session *session.Output
	format  *schema.DataFormat
	binder  *Binder[*DataFeedOutput]
}

// NewDataOutput creates the data feeds of s, written against format. The
// feeds are released when s ends.
func NewDataOutput(s *session.Output, format *schema.DataFormat) *DataOutput {
	o := &DataOutput{session: s, format: format}
	o.binder = NewBinder(o.create)
	s.OnEnd(func(session.State) { o.Invalidate() })
	return o
}

func (o *DataOutput) create(name string) (*DataFeedOutput, error) {
	ff, err := o.format.Feed(name)
	if err != nil {
		return nil, err
	}
	return &DataFeedOutput{name: name, format: ff, out: o}, nil
}

// Format returns the data format the feeds are written against.
func (o *DataOutput) Format() *schema.DataFormat { return o.format }

// BindFeed returns the output of feed name, binding it on first use. Names
// missing from the data format are ErrFeedNotFound.
func (o *DataOutput) BindFeed(name string) (*DataFeedOutput, error) {
	return o.binder.Bind(name)
}

// Feed returns an already bound feed. It never binds.
func (o *DataOutput) Feed(name string) (*DataFeedOutput, error) {
	return o.binder.Lookup(name)
}

// FeedNames returns the bound feed names.
func (o *DataOutput) FeedNames() []string { return o.binder.Names() }

// Write binds feed name if needed and sends data on it.
func (o *DataOutput) Write(ctx context.Context, name string, data *telemetry.Data) (*broker.Future, error) {
	f, err := o.BindFeed(name)
	if err != nil {
		return nil, err
	}
	return f.EnqueueAndSend(ctx, data)
}

// Invalidate releases the bound feeds once the session has ended.
func (o *DataOutput) Invalidate() { o.binder.Invalidate() }

// DataFeedOutput writes batches on one data feed.
type DataFeedOutput struct {
	name   string
	format *schema.FeedFormat
	out    *DataOutput
}

// Name returns the feed name.
func (f *DataFeedOutput) Name() string { return f.name }

// Format returns the feed format.
func (f *DataFeedOutput) Format() *schema.FeedFormat { return f.format }

// MakeData allocates a batch shaped for this feed.
func (f *DataFeedOutput) MakeData(samples int, epochNanos int64) *telemetry.Data {
	d := telemetry.NewData(len(f.format.ParameterIDs), samples)
	d.EpochNanos = epochNanos
	return d
}

// EnqueueAndSend validates data against the feed format and queues it. A
// wrong parameter count fails synchronously with ErrSchemaMismatch; transport
// failures surface through the returned future.
func (f *DataFeedOutput) EnqueueAndSend(ctx context.Context, data *telemetry.Data) (*broker.Future, error) {
	if err := data.Validate(len(f.format.ParameterIDs)); err != nil {
		return nil, errors.Wrap(err, "DataFeedOutput", "EnqueueAndSend", fmt.Sprintf("validate batch for feed %q", f.name))
	}
	return f.out.session.EnqueueWrite(ctx, broker.FrameData, f.name, data)
}

// SamplesOutput binds the samples feeds of a session being written.
type SamplesOutput struct {
	session *session.Output
	format  *schema.DataFormat
	binder  *Binder[*SamplesFeedOutput]
}

// NewSamplesOutput creates the samples feeds of s. Samples may only carry
// parameters the data format declares.
func NewSamplesOutput(s *session.Output, format *schema.DataFormat) *SamplesOutput {
	o := &SamplesOutput{session: s, format: format}
	o.binder = NewBinder(o.create)
	s.OnEnd(func(session.State) { o.Invalidate() })
	return o
}

func (o *SamplesOutput) create(name string) (*SamplesFeedOutput, error) {
	return &SamplesFeedOutput{name: name, allowed: allowedParameters(o.format, name), out: o}, nil
}

// allowedParameters returns the parameters of the feed called name, or of
// every feed when the format has no such feed.
func allowedParameters(df *schema.DataFormat, name string) []string {
	if df == nil {
		return nil
	}
	if ff, err := df.Feed(name); err == nil {
		return ff.ParameterIDs
	}
	var all []string
	for _, n := range df.FeedNames() {
		for _, id := range df.Feeds[n].ParameterIDs {
			if !slices.Contains(all, id) {
				all = append(all, id)
			}
		}
	}
	return all
}

// BindFeed returns the output of samples feed name, binding it on first use.
func (o *SamplesOutput) BindFeed(name string) (*SamplesFeedOutput, error) {
	return o.binder.Bind(name)
}

// Feed returns an already bound samples feed.
func (o *SamplesOutput) Feed(name string) (*SamplesFeedOutput, error) {
	return o.binder.Lookup(name)
}

// Write binds feed name if needed and sends samples on it.
func (o *SamplesOutput) Write(ctx context.Context, name string, samples *telemetry.Samples) (*broker.Future, error) {
	f, err := o.BindFeed(name)
	if err != nil {
		return nil, err
	}
	return f.Send(ctx, samples)
}

// Invalidate releases the bound feeds once the session has ended.
func (o *SamplesOutput) Invalidate() { o.binder.Invalidate() }

// SamplesFeedOutput writes irregular samples on one feed.
type SamplesFeedOutput struct {
	name    string
	allowed []string
	out     *SamplesOutput
}

// Name returns the feed name.
func (f *SamplesFeedOutput) Name() string { return f.name }

// Send validates samples and queues them.
func (f *SamplesFeedOutput) Send(ctx context.Context, samples *telemetry.Samples) (*broker.Future, error) {
	if err := samples.Validate(f.allowed); err != nil {
		return nil, errors.Wrap(err, "SamplesFeedOutput", "Send", fmt.Sprintf("validate samples for feed %q", f.name))
	}
	return f.out.session.EnqueueWrite(ctx, broker.FrameSamples, f.name, samples)
}

// EventsOutput sends the events of a session being written.
type EventsOutput struct {
	session *session.Output
}

// NewEventsOutput creates the events output of s.
func NewEventsOutput(s *session.Output) *EventsOutput {
	return &EventsOutput{session: s}
}

// Send validates an event and queues it.
func (o *EventsOutput) Send(ctx context.Context, event *telemetry.Event) (*broker.Future, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return o.session.EnqueueWrite(ctx, broker.FrameEvents, "", event)
}
