package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConfigRequired      = sterrors.New("natsflow: configuration is required")
	ErrPatternRequired     = sterrors.New("natsflow: subject pattern is required")
	ErrInvalidPattern      = sterrors.New("natsflow: invalid subject pattern")
	ErrHandlerRequired     = sterrors.New("natsflow: handler function is required")
	ErrDuplicatePattern    = sterrors.New("natsflow: subject pattern already registered")
	ErrPatternConflict     = sterrors.New("natsflow: durable pattern overlaps a non-durable pattern")
	ErrServerStarted       = sterrors.New("natsflow: server already started")
	ErrServerClosed        = sterrors.New("natsflow: server is closed")
	ErrNotConnected        = sterrors.New("natsflow: not connected to broker")
	ErrConnectionClosed    = sterrors.New("natsflow: broker connection closed")
	ErrTimeout             = sterrors.New("natsflow: request timed out")
	ErrEmitRequiresDurable = sterrors.New("natsflow: emit requires the durable send path")
	ErrClientClosed        = sterrors.New("natsflow: client is closed")
	ErrClientRequired      = sterrors.New("natsflow: client is required")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "natsflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConnectionError reports that the broker is unreachable or the connection was lost.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("natsflow: connection error: %v", e.Err)
	}
	return fmt.Sprintf("natsflow: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is returned when no reply arrives within the request window.
type TimeoutError struct {
	Pattern string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("natsflow: no reply for %q within %s", e.Pattern, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// SerializationError reports a payload that could not be encoded or decoded.
type SerializationError struct {
	Pattern string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("natsflow: serialization failed for %q: %v", e.Pattern, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// HandlerError wraps a failure returned (or panicked) by a registered handler.
type HandlerError struct {
	Pattern string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("natsflow: handler for %q failed: %v", e.Pattern, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RemoteError carries the error reply produced by a remote non-durable handler.
type RemoteError struct {
	Pattern string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("natsflow: remote handler for %q failed: %s", e.Pattern, e.Message)
}

// ProvisioningError is fatal: a stream or consumer could not be brought to the
// desired configuration.
type ProvisioningError struct {
	Resource string
	Name     string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("natsflow: provisioning %s %q failed: %v", e.Resource, e.Name, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// OverlapHazardError is fatal: a stale stream overlapping the desired subjects
// could not be removed.
type OverlapHazardError struct {
	Stream   string
	Subjects []string
	Err      error
}

func (e *OverlapHazardError) Error() string {
	return fmt.Sprintf("natsflow: overlapping stream %q (subjects %s) could not be removed: %v",
		e.Stream, strings.Join(e.Subjects, ","), e.Err)
}

func (e *OverlapHazardError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort server startup.
func IsFatal(err error) bool {
	var prov *ProvisioningError
	var hazard *OverlapHazardError
	return sterrors.As(err, &prov) || sterrors.As(err, &hazard)
}
