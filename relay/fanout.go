package relay

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/feed"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/telemetry"
)

// FanOut forwards each batch to every named output feed. The batch is sent
// as received; it is never copied, altered or reordered.
type FanOut struct {
	Outputs []string
	Metrics *metric.Metrics
}

// Validate checks the fan-out names at least one feed, each once.
func (f FanOut) Validate() error {
	if len(f.Outputs) == 0 {
		return errors.WrapFatal(fmt.Errorf("%w: no output feeds", errors.ErrRelayConfiguration),
			"FanOut", "Validate", "check outputs")
	}
	seen := make(map[string]struct{}, len(f.Outputs))
	for _, name := range f.Outputs {
		if _, dup := seen[name]; dup {
			return errors.WrapFatal(fmt.Errorf("%w: output feed %q listed twice", errors.ErrRelayConfiguration, name),
				"FanOut", "Validate", "check outputs")
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ForwardData writes data to every output feed of out and waits for all sends.
// Schema mismatches fail before anything is sent.
func (f FanOut) ForwardData(ctx context.Context, out *feed.DataOutput, data *telemetry.Data) error {
	if err := f.Validate(); err != nil {
		return err
	}
	feeds := make([]*feed.DataFeedOutput, len(f.Outputs))
	for i, name := range f.Outputs {
		fo, err := out.BindFeed(name)
		if err != nil {
			return err
		}
		if err := data.Validate(len(fo.Format().ParameterIDs)); err != nil {
			return errors.Wrap(err, "FanOut", "ForwardData", fmt.Sprintf("validate batch for feed %q", name))
		}
		feeds[i] = fo
	}
	return f.forward(ctx, func(i int) (*broker.Future, error) {
		return feeds[i].EnqueueAndSend(ctx, data)
	})
}

// ForwardSamples writes samples to every output feed of out and waits for all sends.
func (f FanOut) ForwardSamples(ctx context.Context, out *feed.SamplesOutput, samples *telemetry.Samples) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return f.forward(ctx, func(i int) (*broker.Future, error) {
		return out.Write(ctx, f.Outputs[i], samples)
	})
}

func (f FanOut) forward(ctx context.Context, send func(i int) (*broker.Future, error)) error {
	futures := make([]*broker.Future, len(f.Outputs))
	for i := range f.Outputs {
		fut, err := send(i)
		if err != nil {
			return err
		}
		futures[i] = fut
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, fut := range futures {
		name := f.Outputs[i]
		g.Go(func() error {
			if err := fut.Wait(gctx); err != nil {
				return errors.Wrap(err, "FanOut", "forward", fmt.Sprintf("send to feed %q", name))
			}
			f.Metrics.RecordRelayForward(name)
			return nil
		})
	}
	return g.Wait()
}
