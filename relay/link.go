// Package relay couples a consumed session to a session being written.
//
// A Link observes a session.Input and mirrors its lifecycle onto a
// session.Output: the output opens when the input opens, carries the input's
// start, duration and dependencies, and ends the way the input ended. The
// output identifier is derived from the input identifier by an
// IdentifierMapper. A FanOut forwards each received batch unchanged to one or
// more output feeds.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/session"
)

// IdentifierMapper derives the output session identifier from the input one.
type IdentifierMapper func(identifier string) (string, error)

// SuffixMapper appends suffix to the input identifier.
func SuffixMapper(suffix string) IdentifierMapper {
	return func(identifier string) (string, error) {
		return identifier + suffix, nil
	}
}

// PrefixMapper prepends prefix to the input identifier.
func PrefixMapper(prefix string) IdentifierMapper {
	return func(identifier string) (string, error) {
		return prefix + identifier, nil
	}
}

// IdentityMapper keeps the input identifier.
func IdentityMapper(identifier string) (string, error) { return identifier, nil }

// Link mirrors the lifecycle and metadata of an input session onto an output
// session.
type Link struct {
	in     *session.Input
	out    *session.Output
	mapper IdentifierMapper
	logger *slog.Logger

	mu      sync.Mutex
	err     error
	cancels []func()
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLink links in to out. It only registers observers and never blocks;
// changes are propagated as the input applies them.
func NewLink(in *session.Input, out *session.Output, mapper IdentifierMapper, opts ...Option) (*Link, error) {
	switch {
	case in == nil || out == nil:
		return nil, errors.WrapFatal(fmt.Errorf("%w: input and output sessions are required", errors.ErrRelayConfiguration),
			"Link", "NewLink", "check sessions")
	case mapper == nil:
		return nil, errors.WrapFatal(fmt.Errorf("%w: identifier mapper is required", errors.ErrRelayConfiguration),
			"Link", "NewLink", "check mapper")
	}

	l := &Link{in: in, out: out, mapper: mapper, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("stream_id", in.StreamID(), "output_session", out.ID())

	l.cancels = []func(){
		in.OnDependenciesChanged(l.dependenciesChanged),
		in.OnMetadataChanged(l.metadataChanged),
		in.OnStateChanged(l.stateChanged),
	}
	return l, nil
}

// Err returns the first identifier mapping failure, if any.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Unlink stops propagating changes. The output session is left as it is.
func (l *Link) Unlink() {
	l.mu.Lock()
	cancels := l.cancels
	l.cancels = nil
	l.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Sync propagates the input's current snapshot, for links made after the
// input already received its session.
func (l *Link) Sync(ctx context.Context) error {
	s, ok := l.in.Current()
	if !ok {
		return nil
	}
	if err := l.dependenciesChanged(ctx, s); err != nil {
		return err
	}
	if err := l.metadataChanged(ctx, s); err != nil {
		return err
	}
	if s.State == session.Unset {
		return nil
	}
	return l.stateChanged(ctx, session.StateChange{Previous: session.Unset, Session: s})
}

func (l *Link) mapIdentifier(identifier string) (string, error) {
	mapped, err := l.mapper(identifier)
	if err == nil {
		return mapped, nil
	}
	err = errors.WrapFatal(fmt.Errorf("%w: map identifier %q: %w", errors.ErrRelayConfiguration, identifier, err),
		"Link", "mapIdentifier", "map identifier")
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.logger.Error("Identifier mapping failed", "identifier", identifier, "error", err)
	return "", err
}

func (l *Link) dependenciesChanged(ctx context.Context, s session.Session) error {
	if l.out.State().IsTerminal() {
		return nil
	}
	changed, err := l.out.MergeDependencies(s.Dependencies)
	if err != nil || !changed {
		return err
	}
	// An opening or ending snapshot carries the dependencies itself.
	if l.out.State() != session.Open || s.State != session.Open {
		return nil
	}
	return l.send(ctx, "dependencies")
}

func (l *Link) metadataChanged(ctx context.Context, s session.Session) error {
	if l.out.State().IsTerminal() {
		return nil
	}
	current := l.out.Snapshot()
	dirty := false

	if s.Identifier != "" {
		mapped, err := l.mapIdentifier(s.Identifier)
		if err != nil {
			return err
		}
		if mapped != current.Identifier {
			if err := l.out.SetIdentifier(mapped); err != nil {
				return err
			}
			dirty = true
		}
	}
	if s.Start != nil && (current.Start == nil || !s.Start.Equal(*current.Start)) {
		if err := l.out.SetStart(*s.Start); err != nil {
			return err
		}
		dirty = true
	}
	if s.DurationNanos > current.DurationNanos {
		if err := l.out.SetDuration(time.Duration(s.DurationNanos)); err != nil {
			return err
		}
		dirty = true
	}

	if !dirty || l.out.State() != session.Open || s.State != session.Open {
		return nil
	}
	return l.send(ctx, "metadata")
}

func (l *Link) stateChanged(ctx context.Context, c session.StateChange) error {
	if l.out.State().IsTerminal() {
		return nil
	}
	switch c.Session.State {
	case session.Open:
		if err := l.Err(); err != nil {
			return err
		}
		identifier := l.out.Snapshot().Identifier
		var start time.Time
		if c.Session.Start != nil {
			start = *c.Session.Start
		}
		f, err := l.out.Open(ctx, identifier, start)
		if err != nil {
			return err
		}
		return f.Wait(ctx)
	case session.Closed:
		if l.out.State() == session.Unset {
			// Nothing was relayed; there is no open output to close.
			return l.out.Truncate(ctx)
		}
		return l.out.Close(ctx)
	case session.Truncated:
		return l.out.Truncate(ctx)
	}
	return nil
}

func (l *Link) send(ctx context.Context, what string) error {
	f, err := l.out.Send(ctx)
	if err != nil {
		return err
	}
	if err := f.Wait(ctx); err != nil {
		return errors.Wrap(err, "Link", "send", "propagate "+what)
	}
	l.logger.Debug("Session change relayed", "change", what)
	return nil
}

