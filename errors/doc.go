// Package errors provides standardized error handling for the telemetry relay.
//
// # Classification
//
// Errors fall into three classes:
//
//   - Transient: connection loss, timeouts, incomplete windows (retry or wait)
//   - Invalid: bad usage such as writing to an unknown feed or an illegal state transition
//   - Fatal: schema mismatches, broken relay configuration, bad config (stop)
//
// Classification works through errors.Is and errors.As, so wrapped chains keep
// their class.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// and the classified variants attach the class:
//
//	errors.WrapTransient(err, "StreamWriter", "send", "publish frame")
//	errors.WrapInvalid(err, "Output", "Open", "transition session")
//	errors.WrapFatal(err, "Link", "onStateChanged", "map identifier")
//
// # Domain errors
//
// Session and feed operations report ErrSchemaMismatch, ErrFeedNotFound,
// ErrInvalidStateTransition and ErrSessionTerminated. Relays report
// ErrRelayConfiguration. Window queries report ErrWindowIncomplete,
// ErrWindowNotAvailable and ErrWindowExpired. Pipeline waits report
// ErrConnectionTimeout.
package errors
