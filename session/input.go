package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/pkg/observer"
)

// StateChange describes a lifecycle transition observed on a stream.
type StateChange struct {
	Previous State
	Session  Session
}

// Input tracks the session of a stream being read.
type Input struct {
	streamID string
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Session

	stateChanged        observer.List[StateChange]
	dependenciesChanged observer.List[Session]
	metadataChanged     observer.List[Session]
}

// NewInput creates an Input for streamID.
func NewInput(streamID string, logger *slog.Logger) *Input {
	if logger == nil {
		logger = slog.Default()
	}
	return &Input{streamID: streamID, logger: logger.With("stream_id", streamID)}
}

// StreamID returns the ID of the stream the session arrives on.
func (in *Input) StreamID() string { return in.streamID }

// Current returns the latest snapshot.
func (in *Input) Current() (Session, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.current == nil {
		return Session{}, false
	}
	return in.current.Clone(), true
}

// State returns the latest observed state.
func (in *Input) State() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.current == nil {
		return Unset
	}
	return normalize(in.current.State)
}

// OnStateChanged observes lifecycle transitions.
func (in *Input) OnStateChanged(fn observer.Func[StateChange]) (cancel func()) {
	return in.stateChanged.Add(fn)
}

// OnDependenciesChanged observes changes of the dependency map.
func (in *Input) OnDependenciesChanged(fn observer.Func[Session]) (cancel func()) {
	return in.dependenciesChanged.Add(fn)
}

// OnMetadataChanged observes changes of identifier, start or duration.
func (in *Input) OnMetadataChanged(fn observer.Func[Session]) (cancel func()) {
	return in.metadataChanged.Add(fn)
}

// Apply records a received snapshot and notifies observers of each kind of
// change, dependencies first, then metadata, then state. A snapshot that
// would move the session backwards is rejected.
func (in *Input) Apply(ctx context.Context, s Session) error {
	in.mu.Lock()
	prev := in.current
	prevState := Unset
	if prev != nil {
		prevState = normalize(prev.State)
	}
	next := normalize(s.State)
	if next != prevState && !CanTransition(prevState, next) {
		in.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s to %s", errors.ErrInvalidStateTransition, prevState, next),
			"SessionInput", "Apply", "check transition")
	}
	snapshot := s.Clone()
	snapshot.State = next
	in.current = &snapshot
	in.mu.Unlock()

	var empty Session
	if prev == nil {
		prev = &empty
	}

	var errs []error
	if !DependenciesEqual(prev.Dependencies, snapshot.Dependencies) {
		errs = append(errs, in.dependenciesChanged.Notify(ctx, snapshot.Clone()))
	}
	if !prev.MetadataEqual(&snapshot) {
		errs = append(errs, in.metadataChanged.Notify(ctx, snapshot.Clone()))
	}
	if next != prevState {
		in.logger.Debug("Session state observed", "from", prevState.String(), "to", next.String())
		errs = append(errs, in.stateChanged.Notify(ctx, StateChange{Previous: prevState, Session: snapshot.Clone()}))
	}
	return stderrors.Join(errs...)
}
