package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/schema"
)

// FrameWriter is the ordered sender an Output writes its snapshots through.
// Feed data written through the same FrameWriter is ordered with them.
type FrameWriter interface {
	Enqueue(ctx context.Context, kind broker.FrameKind, feed string, v any) *broker.Future
	Flush(ctx context.Context) error
}

// Output owns the state of a session being written.
type Output struct {
	writer  FrameWriter
	metrics *metric.Metrics
	logger  *slog.Logger

	// writes is held shared by feed writes and exclusively by the terminal
	// transition, so no admitted write is queued after the terminal snapshot.
	writes sync.RWMutex

	mu      sync.RWMutex
	session Session
	onEnd   []func(State)
}

// OutputOption configures an Output.
type OutputOption func(*Output)

// WithID sets the session ID instead of a generated one.
func WithID(id string) OutputOption {
	return func(o *Output) {
		if id != "" {
			o.session.ID = id
		}
	}
}

// WithMetrics records state transitions.
func WithMetrics(m *metric.Metrics) OutputOption {
	return func(o *Output) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OutputOption {
	return func(o *Output) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOutput creates an Unset session that sends through w.
func NewOutput(w FrameWriter, opts ...OutputOption) *Output {
	o := &Output{
		writer:  w,
		logger:  slog.Default(),
		session: Session{ID: uuid.NewString(), State: Unset},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("session_id", o.session.ID)
	return o
}

// ID returns the session ID.
func (o *Output) ID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session.ID
}

// State returns the current state.
func (o *Output) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session.State
}

// Snapshot returns a copy of the session.
func (o *Output) Snapshot() Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session.Clone()
}

func (o *Output) checkMutable(method string) error {
	if o.session.State.IsTerminal() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: session %s is %s", errors.ErrSessionTerminated, o.session.ID, o.session.State),
			"SessionOutput", method, "check state")
	}
	return nil
}

// SetIdentifier sets the human readable session identifier.
func (o *Output) SetIdentifier(identifier string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkMutable("SetIdentifier"); err != nil {
		return err
	}
	o.session.Identifier = identifier
	return nil
}

// SetStart sets the session start time.
func (o *Output) SetStart(start time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkMutable("SetStart"); err != nil {
		return err
	}
	start = start.UTC()
	o.session.Start = &start
	return nil
}

// SetDuration updates the session duration. It never decreases.
func (o *Output) SetDuration(d time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkMutable("SetDuration"); err != nil {
		return err
	}
	if d.Nanoseconds() < o.session.DurationNanos {
		return errors.WrapInvalid(
			fmt.Errorf("%w: duration %v is before %v", errors.ErrInvalidData, d, o.session.Duration()),
			"SessionOutput", "SetDuration", "check duration")
	}
	o.session.DurationNanos = d.Nanoseconds()
	return nil
}

// AddDependency records a document the session depends on. It is sent with
// the next snapshot. Adding a dependency after the session ended is an
// invalid transition.
func (o *Output) AddDependency(t schema.DependencyType, id schema.ID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session.State.IsTerminal() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: dependency added to %s session", errors.ErrInvalidStateTransition, o.session.State),
			"SessionOutput", "AddDependency", "check state")
	}
	if o.session.Dependencies == nil {
		o.session.Dependencies = make(map[schema.DependencyType][]schema.ID)
	}
	if !slices.Contains(o.session.Dependencies[t], id) {
		o.session.Dependencies[t] = append(o.session.Dependencies[t], id)
	}
	return nil
}

// MergeDependencies adds the dependency types the session does not record
// yet. Types already present keep their IDs. It reports whether anything was added.
func (o *Output) MergeDependencies(deps map[schema.DependencyType][]schema.ID) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session.State.IsTerminal() {
		return false, errors.WrapInvalid(
			fmt.Errorf("%w: dependencies merged into %s session", errors.ErrInvalidStateTransition, o.session.State),
			"SessionOutput", "MergeDependencies", "check state")
	}
	changed := false
	for t, ids := range deps {
		if _, ok := o.session.Dependencies[t]; ok || len(ids) == 0 {
			continue
		}
		if o.session.Dependencies == nil {
			o.session.Dependencies = make(map[schema.DependencyType][]schema.ID)
		}
		o.session.Dependencies[t] = slices.Clone(ids)
		changed = true
	}
	return changed, nil
}

// OnEnd registers fn to run once the session becomes Closed or Truncated.
func (o *Output) OnEnd(fn func(State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onEnd = append(o.onEnd, fn)
}

// EnqueueWrite admits a feed write and queues it on the session's writer.
// A write admitted before Close or Truncate is queued ahead of the terminal
// snapshot; one that loses the race is ErrSessionTerminated.
func (o *Output) EnqueueWrite(ctx context.Context, kind broker.FrameKind, feed string, v any) (*broker.Future, error) {
	o.writes.RLock()
	defer o.writes.RUnlock()
	if err := o.PrepareWrite(); err != nil {
		return nil, err
	}
	return o.writer.Enqueue(ctx, kind, feed, v), nil
}

// PrepareWrite admits a data write. It rejects writes to an ended session and
// stamps the start time if none was set.
func (o *Output) PrepareWrite() error {
	o.mu.RLock()
	err := o.checkMutable("PrepareWrite")
	hasStart := o.session.Start != nil
	o.mu.RUnlock()
	if err != nil || hasStart {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session.Start == nil {
		now := time.Now().UTC()
		o.session.Start = &now
	}
	return nil
}

// Open moves the session to Open and sends it. Opening an open session is a
// no-op that sends nothing. A zero start means now.
func (o *Output) Open(ctx context.Context, identifier string, start time.Time) (*broker.Future, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session.State == Open {
		return broker.CompletedFuture(nil), nil
	}
	if err := o.checkTransitionLocked(Open, "Open"); err != nil {
		return nil, err
	}
	if identifier != "" {
		o.session.Identifier = identifier
	}
	if !start.IsZero() {
		start = start.UTC()
		o.session.Start = &start
	} else if o.session.Start == nil {
		now := time.Now().UTC()
		o.session.Start = &now
	}
	if err := o.transitionLocked(Open, "Open"); err != nil {
		return nil, err
	}
	return o.sendLocked(ctx), nil
}

// Send re-sends the current snapshot, typically after a metadata change.
func (o *Output) Send(ctx context.Context) (*broker.Future, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkMutable("Send"); err != nil {
		return nil, err
	}
	return o.sendLocked(ctx), nil
}

// Close flushes the data written so far, then sends the Closed snapshot and
// waits for it. Closing a closed session does nothing.
func (o *Output) Close(ctx context.Context) error {
	return o.end(ctx, Closed, "Close")
}

// Truncate ends the session early. Truncating a truncated session does nothing.
func (o *Output) Truncate(ctx context.Context) error {
	return o.end(ctx, Truncated, "Truncate")
}

// Dispose truncates a session that has not ended.
func (o *Output) Dispose(ctx context.Context) error {
	if o.State().IsTerminal() {
		return nil
	}
	if err := o.Truncate(ctx); err != nil {
		o.logger.Warn("Truncate on dispose failed", "error", err)
		return err
	}
	return nil
}

func (o *Output) end(ctx context.Context, to State, method string) error {
	if err := o.writer.Flush(ctx); err != nil {
		return errors.Wrap(err, "SessionOutput", method, "flush pending writes")
	}

	o.writes.Lock()
	o.mu.Lock()
	if o.session.State == to {
		o.mu.Unlock()
		o.writes.Unlock()
		return nil
	}
	if err := o.transitionLocked(to, method); err != nil {
		o.mu.Unlock()
		o.writes.Unlock()
		return err
	}
	f := o.sendLocked(ctx)
	onEnd := slices.Clone(o.onEnd)
	o.mu.Unlock()
	o.writes.Unlock()

	for _, fn := range onEnd {
		fn(to)
	}
	if err := f.Wait(ctx); err != nil {
		return errors.Wrap(err, "SessionOutput", method, "send "+to.String())
	}
	return nil
}

func (o *Output) checkTransitionLocked(to State, method string) error {
	if from := o.session.State; !CanTransition(from, to) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s to %s", errors.ErrInvalidStateTransition, from, to),
			"SessionOutput", method, "transition")
	}
	return nil
}

func (o *Output) transitionLocked(to State, method string) error {
	if err := o.checkTransitionLocked(to, method); err != nil {
		return err
	}
	from := o.session.State
	o.session.State = to
	o.metrics.RecordSessionTransition(to.String())
	o.logger.Info("Session state changed", "from", from.String(), "to", to.String(), "identifier", o.session.Identifier)
	return nil
}

func (o *Output) sendLocked(ctx context.Context) *broker.Future {
	return o.writer.Enqueue(ctx, broker.FrameSession, "", o.session.Clone())
}
