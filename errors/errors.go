// Package errors provides the error classification used across the telemetry relay.
// It includes the classification types, the standard error variables for the session,
// feed, window and relay domains, and helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/telemetryrelay/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or usage
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables
var (
	// Lifecycle errors
	ErrAlreadyStopped = errors.New("already stopped")
	ErrShuttingDown   = errors.New("shutting down")

	// Connection errors
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Session and feed errors
	ErrSchemaMismatch          = errors.New("schema mismatch")
	ErrFeedNotFound            = errors.New("feed not found")
	ErrInvalidStateTransition  = errors.New("invalid session state transition")
	ErrSessionTerminated       = errors.New("session terminated")
	ErrRelayConfiguration      = errors.New("relay configuration error")
	ErrSchemaNotFound          = errors.New("schema not found")
	ErrDependencyNotResolvable = errors.New("session dependency not resolvable")

	// Window errors
	ErrWindowIncomplete   = errors.New("window incomplete")
	ErrWindowNotAvailable = errors.New("window not yet available")
	ErrWindowExpired      = errors.New("window expired")

	// Data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError carries a class alongside the error it wraps. Component and
// Operation name where it was raised.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// sentinelClasses is searched in order, so a chain wrapping several
// sentinels takes the class of the first listed.
var sentinelClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrConnectionTimeout, ErrorTransient},
	{ErrConnectionLost, ErrorTransient},
	{ErrNotConnected, ErrorTransient},
	{ErrStorageUnavailable, ErrorTransient},
	{ErrWindowIncomplete, ErrorTransient},
	{ErrWindowNotAvailable, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},

	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrSchemaMismatch, ErrorFatal},
	{ErrRelayConfiguration, ErrorFatal},

	{context.Canceled, ErrorInvalid},
	{ErrInvalidData, ErrorInvalid},
	{ErrParsingFailed, ErrorInvalid},
	{ErrFeedNotFound, ErrorInvalid},
	{ErrInvalidStateTransition, ErrorInvalid},
	{ErrSessionTerminated, ErrorInvalid},
	{ErrSchemaNotFound, ErrorInvalid},
	{ErrKeyNotFound, ErrorInvalid},
	{ErrWindowExpired, ErrorInvalid},
	{ErrAlreadyStopped, ErrorInvalid},
}

// Message fragments of unclassified foreign errors, checked in this order.
var (
	transientFragments = []string{"timeout", "connection", "network", "temporary", "unavailable", "busy"}
	fatalFragments     = []string{"fatal", "panic", "corrupted"}
)

// classOf reports the class of err and whether it could be determined at all.
func classOf(err error) (ErrorClass, bool) {
	if err == nil {
		return ErrorTransient, false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, sc := range sentinelClasses {
		if errors.Is(err, sc.err) {
			return sc.class, true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragments := range []struct {
		words []string
		class ErrorClass
	}{{transientFragments, ErrorTransient}, {fatalFragments, ErrorFatal}} {
		for _, w := range fragments.words {
			if strings.Contains(msg, w) {
				return fragments.class, true
			}
		}
	}
	return ErrorTransient, false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	class, known := classOf(err)
	return known && class == ErrorTransient
}

// IsFatal reports whether err should stop processing.
func IsFatal(err error) bool {
	class, known := classOf(err)
	return known && class == ErrorFatal
}

// IsInvalid reports whether err stems from bad input or usage.
func IsInvalid(err error) bool {
	class, known := classOf(err)
	return known && class == ErrorInvalid
}

// Classify returns the class of err. Errors nothing is known about are
// treated as transient so callers may retry them.
func Classify(err error) ErrorClass {
	class, _ := classOf(err)
	return class
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err with context and classifies it transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err with context and classifies it fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err with context and classifies it invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// RetryConfig defines configuration for retry operations on transport sends
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the default retry configuration for sends
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ToRetryConfig converts to the retry package's Config, retrying transient
// errors only. MaxRetries counts additional attempts, so one is added for the
// first attempt.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
		Retryable:    IsTransient,
	}
}
