// Package window answers complete-window queries over regularly sampled
// telemetry.
//
// A Buffer keeps a bounded trailing history of the Data batches received for
// one feed. A window [Start, Start+Width) is complete when every one of its
// FrequencyHz x Width sample slots holds a sample: slot k is the time
// Start + k*interval and matches a sample no further than half an interval
// away. Partial windows are never returned.
//
// Batches may arrive in any order and the same batch may arrive twice; a
// late batch fills the slots it covers. Queries fail with:
//   - ErrWindowNotAvailable when Start lies after the newest sample
//   - ErrWindowExpired when Start lies before the retained history, that is
//     before the end of a batch dropped by retention or Retire
//   - ErrWindowIncomplete while a slot is still empty (transient), or once
//     the buffer is closed with the window still incomplete (invalid)
//
// GetDataInCompleteWindow blocks until the window completes, the query fails
// permanently, or the context ends. TryGetDataInCompleteWindow never blocks.
package window

import (
	"cmp"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/pkg/buffer"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/telemetry"
)

// DefaultRetention is the number of batches a Buffer keeps.
const DefaultRetention = 1024

// Range is a time window in absolute Unix nanoseconds.
type Range struct {
	Start int64
	Width time.Duration
}

// NewRange returns the window of width starting at start.
func NewRange(start time.Time, width time.Duration) Range {
	return Range{Start: telemetry.Nanos(start), Width: width}
}

// End returns the exclusive end of the window.
func (r Range) End() int64 {
	return r.Start + r.Width.Nanoseconds()
}

// String formats the window for logs.
func (r Range) String() string {
	return fmt.Sprintf("[%s, +%v)", telemetry.FromNanos(r.Start).Format(time.RFC3339Nano), r.Width)
}

// Buffer holds the recent batches of one feed.
type Buffer struct {
	feed     *schema.FeedFormat
	interval int64
	batches  buffer.Buffer[*telemetry.Data]

	retireServed bool
	metrics      *metric.Metrics
	logger       *slog.Logger

	mu      sync.Mutex
	horizon int64
	changed chan struct{}
	closed  bool
}

// Option configures a Buffer.
type Option func(*options)

type options struct {
	retention    int
	retireServed bool
	metrics      *metric.Metrics
	logger       *slog.Logger
}

// WithRetention bounds the retained batches. Older batches are dropped and
// windows that needed them expire.
func WithRetention(batches int) Option {
	return func(o *options) {
		if batches > 0 {
			o.retention = batches
		}
	}
}

// WithRetireServed retires all history before the end of each window served.
func WithRetireServed() Option {
	return func(o *options) { o.retireServed = true }
}

// WithMetrics records query outcomes.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewBuffer creates a buffer for batches written against feed.
func NewBuffer(feed *schema.FeedFormat, opts ...Option) (*Buffer, error) {
	if feed == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Buffer", "NewBuffer", "check feed format")
	}
	if err := feed.Validate(); err != nil {
		return nil, errors.Wrap(err, "Buffer", "NewBuffer", "validate feed format")
	}

	o := &options{retention: DefaultRetention, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	b := &Buffer{
		feed:         feed,
		interval:     telemetry.IntervalNanos(feed.FrequencyHz),
		retireServed: o.retireServed,
		metrics:      o.metrics,
		logger:       o.logger.With("feed", feed.Name),
		changed:      make(chan struct{}),
	}
	batches, err := buffer.NewCircularBuffer[*telemetry.Data](o.retention,
		buffer.WithOverflowPolicy[*telemetry.Data](buffer.DropOldest),
		buffer.WithDropCallback[*telemetry.Data](b.expire),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Buffer", "NewBuffer", "create batch buffer")
	}
	b.batches = batches
	return b, nil
}

// Feed returns the feed format the buffer was created for.
func (b *Buffer) Feed() *schema.FeedFormat { return b.feed }

// Len returns the number of retained batches.
func (b *Buffer) Len() int { return b.batches.Size() }

// Append adds a batch. Batches may arrive out of time order.
func (b *Buffer) Append(d *telemetry.Data) error {
	if err := d.Validate(len(b.feed.ParameterIDs)); err != nil {
		return err
	}
	if d.Len() == 0 {
		return nil
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Append", "check buffer")
	}

	// Written outside b.mu: an overflow calls expire, which takes b.mu.
	if err := b.batches.Write(d); err != nil {
		return errors.Wrap(err, "Buffer", "Append", "store batch")
	}
	b.signal()
	return nil
}

// Latest returns the most recent batch.
func (b *Buffer) Latest() (*telemetry.Data, bool) {
	return b.batches.PeekNewest()
}

// Retire drops the batches that end before before and expires every window
// starting earlier. It returns the number of batches dropped.
func (b *Buffer) Retire(before int64) int {
	b.mu.Lock()
	if before > b.horizon {
		b.horizon = before
	}
	b.mu.Unlock()

	n := b.batches.DropWhile(func(d *telemetry.Data) bool {
		return d.AbsoluteNanos(d.Len()-1) < before
	})
	b.signal()
	return n
}

// Close wakes blocked queries. Windows that are not complete yet never will be.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.changed)
}

func (b *Buffer) expire(d *telemetry.Data) {
	last := d.AbsoluteNanos(d.Len()-1) + b.interval/2
	b.mu.Lock()
	if last > b.horizon {
		b.horizon = last
	}
	b.mu.Unlock()
}

func (b *Buffer) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	close(b.changed)
	b.changed = make(chan struct{})
}

// TryGetDataInCompleteWindow returns the window's samples when it is complete.
func (b *Buffer) TryGetDataInCompleteWindow(r Range) (*telemetry.Data, error) {
	d, err := b.collect(r)
	b.record(err)
	if err == nil && b.retireServed {
		b.Retire(r.End())
	}
	return d, err
}

// GetDataInCompleteWindow waits until the window is complete.
func (b *Buffer) GetDataInCompleteWindow(ctx context.Context, r Range) (*telemetry.Data, error) {
	for {
		b.mu.Lock()
		changed := b.changed
		closed := b.closed
		b.mu.Unlock()

		d, err := b.TryGetDataInCompleteWindow(r)
		if err == nil || !errors.IsTransient(err) {
			return d, err
		}
		if closed {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: buffer closed", err), "Buffer", "GetDataInCompleteWindow", "wait for window")
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(fmt.Errorf("%w: %w", err, ctx.Err()), "Buffer", "GetDataInCompleteWindow", "wait for window")
		case <-changed:
		}
	}
}

func (b *Buffer) record(err error) {
	result := "complete"
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrWindowExpired):
		result = "expired"
	case stderrors.Is(err, errors.ErrWindowNotAvailable):
		result = "not_available"
	default:
		result = "incomplete"
	}
	b.metrics.RecordWindowQuery(result)
}

type sampleRef struct {
	batch *telemetry.Data
	index int
	at    int64
}

func (b *Buffer) collect(r Range) (*telemetry.Data, error) {
	expected := b.feed.ExpectedSamples(r.Width)
	if expected <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: window %v holds no samples at %v Hz", errors.ErrInvalidData, r.Width, b.feed.FrequencyHz),
			"Buffer", "TryGetDataInCompleteWindow", "check range")
	}

	batches := b.batches.Snapshot()
	b.mu.Lock()
	horizon := b.horizon
	b.mu.Unlock()

	half := b.interval / 2
	if r.Start < horizon {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v starts before retained history", errors.ErrWindowExpired, r),
			"Buffer", "TryGetDataInCompleteWindow", "check range")
	}
	if len(batches) == 0 {
		return nil, errors.WrapTransient(fmt.Errorf("%w: no data buffered", errors.ErrWindowNotAvailable),
			"Buffer", "TryGetDataInCompleteWindow", "check range")
	}

	newest := batches[0].AbsoluteNanos(0)
	for _, d := range batches {
		newest = max(newest, d.AbsoluteNanos(d.Len()-1))
	}
	if r.Start > newest+half {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v starts after the newest sample", errors.ErrWindowNotAvailable, r),
			"Buffer", "TryGetDataInCompleteWindow", "check range")
	}

	lastSlot := r.Start + int64(expected-1)*b.interval
	refs := make([]sampleRef, 0, expected)
	for _, d := range batches {
		for i := range d.TimestampsNanos {
			at := d.AbsoluteNanos(i)
			if at < r.Start-half || at > lastSlot+half {
				continue
			}
			refs = append(refs, sampleRef{batch: d, index: i, at: at})
		}
	}
	slices.SortStableFunc(refs, func(a, b sampleRef) int { return cmp.Compare(a.at, b.at) })

	// Each slot takes the earliest sample in reach; duplicates are skipped.
	picked := make([]sampleRef, 0, expected)
	next := 0
	for k := 0; k < expected; k++ {
		slot := r.Start + int64(k)*b.interval
		for next < len(refs) && refs[next].at < slot-half {
			next++
		}
		if next < len(refs) && refs[next].at <= slot+half {
			picked = append(picked, refs[next])
			next++
			continue
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: slot %d of %v is empty, %d of %d samples", errors.ErrWindowIncomplete, k, r, len(picked), expected),
			"Buffer", "TryGetDataInCompleteWindow", "check slots")
	}

	return assemble(picked, len(b.feed.ParameterIDs)), nil
}

func assemble(refs []sampleRef, paramCount int) *telemetry.Data {
	out := telemetry.NewData(paramCount, len(refs))
	out.EpochNanos = refs[0].batch.EpochNanos
	for i, ref := range refs {
		out.TimestampsNanos[i] = ref.at - out.EpochNanos
		for p := range out.Parameters {
			col := ref.batch.Parameters[p]
			out.Parameters[p].Values[i] = col.Values[ref.index]
			out.Parameters[p].Statuses[i] = col.Statuses[ref.index]
		}
	}
	return out
}

